package receive

import (
	"context"
	"sync"

	"github.com/agentmesh/meshd/internal/envelope"
)

// Correlations matches inbound responses to callers blocked on a
// request's message id.
type Correlations struct {
	mu      sync.Mutex
	waiters map[string]chan *envelope.Envelope
}

// NewCorrelations creates an empty correlation table.
func NewCorrelations() *Correlations {
	return &Correlations{waiters: make(map[string]chan *envelope.Envelope)}
}

// Wait blocks until a response with the given correlation id arrives or
// the context expires.
func (c *Correlations) Wait(ctx context.Context, correlationID string) (*envelope.Envelope, error) {
	ch := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	c.waiters[correlationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, correlationID)
		c.mu.Unlock()
	}()

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fire delivers a response to the waiter, if any. Returns whether a
// waiter consumed it.
func (c *Correlations) Fire(env *envelope.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.waiters[env.CorrelationID]
	if ok {
		delete(c.waiters, env.CorrelationID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}
