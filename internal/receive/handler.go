// Package receive implements the inbound HTTP surface: peer hooks,
// validation, host-runtime dispatch, the status and summary endpoints,
// and the loopback admin API the CLI talks to.
package receive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agentmesh/meshd/internal/envelope"
)

// Request is the structured view of an inbound message handed to the
// host runtime.
type Request struct {
	From         string                `json:"from"`
	To           string                `json:"to"`
	Type         string                `json:"type"`
	Subject      string                `json:"subject"`
	Body         string                `json:"body"`
	Attachments  []envelope.Attachment `json:"attachments,omitempty"`
	ReplyContext json.RawMessage       `json:"replyContext,omitempty"`
	SessionKey   string                `json:"sessionKey,omitempty"`
	MessageID    string                `json:"messageId"`
}

// Handler is the host runtime. For requests the returned string becomes
// the response body; for other message types it is ignored.
type Handler interface {
	Handle(ctx context.Context, req Request) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// ExecHandler dispatches to an external command: the request rides as
// JSON on stdin, stdout becomes the response body. The context carries
// the per-invocation timeout.
type ExecHandler struct {
	Command string
}

// Handle runs the command through the shell so operators can configure
// pipelines, not just binaries.
func (h *ExecHandler) Handle(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal handler input: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("handler command: %w: %s", err, detail)
		}
		return "", fmt.Errorf("handler command: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
