package notify

import (
	"context"

	"github.com/agentmesh/meshd/internal/events"
)

// LogNotifier writes events to the node log. Always registered so every
// event is visible even with no external sinks configured.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send logs the event.
func (l *LogNotifier) Send(_ context.Context, event events.Event) error {
	l.log.Info("mesh event",
		"type", string(event.Type),
		"peer", event.Peer,
		"messageID", event.MessageID,
		"detail", event.Message,
	)
	return nil
}
