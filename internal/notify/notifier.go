// Package notify delivers mesh node events to external sinks: the
// operator log, a generic webhook, or an MQTT broker.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/meshd/internal/events"
)

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event events.Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging
// package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors: failures are logged but don't block the
// message plane.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are
// configured).
func (m *Multi) Notify(ctx context.Context, event events.Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed", "provider", n.Name(), "error", err)
			continue
		}
		anyOK = true
	}
	return anyOK
}

// Run subscribes the dispatcher to the event bus and forwards every
// published event until ctx is cancelled. Each delivery gets a bounded
// timeout so a stuck sink cannot back up the bus.
func (m *Multi) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			sendCtx, done := context.WithTimeout(ctx, 10*time.Second)
			m.Notify(sendCtx, evt)
			done()
		}
	}
}
