package receive

import (
	"sync"

	"github.com/agentmesh/meshd/internal/envelope"
)

// inboxCap bounds the in-memory inbox.
const inboxCap = 100

// Inbox keeps the most recent accepted envelopes for polling-based
// host runtimes.
type Inbox struct {
	mu   sync.Mutex
	msgs []*envelope.Envelope
}

// Add appends an envelope, evicting the oldest beyond the cap.
func (i *Inbox) Add(env *envelope.Envelope) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, env)
	if len(i.msgs) > inboxCap {
		i.msgs = i.msgs[len(i.msgs)-inboxCap:]
	}
}

// List returns the inbox contents, oldest first.
func (i *Inbox) List() []*envelope.Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*envelope.Envelope, len(i.msgs))
	copy(out, i.msgs)
	return out
}

// Len returns the current inbox depth.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}
