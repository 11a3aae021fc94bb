// Package circuit implements the per-peer circuit breaker consulted
// before every send: closed / open / half-open with a cooldown.
package circuit

import (
	"log/slog"
	"time"

	"github.com/agentmesh/meshd/internal/clock"
	"github.com/agentmesh/meshd/internal/metrics"
	"github.com/agentmesh/meshd/internal/store"
)

// Breaker is the per-peer admission control. State is persisted through
// the store so it survives restarts and is shared by all tasks.
type Breaker struct {
	store     *store.Store
	clock     clock.Clock
	threshold int
	cooldown  time.Duration
	log       *slog.Logger
}

// New creates a breaker tripping open after threshold consecutive
// failures, cooling down for the given duration.
func New(st *store.Store, clk clock.Clock, threshold int, cooldown time.Duration, log *slog.Logger) *Breaker {
	return &Breaker{
		store:     st,
		clock:     clk,
		threshold: threshold,
		cooldown:  cooldown,
		log:       log,
	}
}

// Allow reports whether a send to the peer may proceed. An open circuit
// whose cooldown has elapsed transitions to half-open and admits a
// single probe.
func (b *Breaker) Allow(peer string) (bool, error) {
	now := b.clock.Now()
	allowed := false
	_, err := b.store.MutateCircuit(peer, func(c *store.Circuit) {
		switch c.State {
		case store.CircuitOpen:
			if now.Before(c.OpenUntil) {
				return
			}
			c.State = store.CircuitHalfOpen
			allowed = true
			b.log.Info("circuit half-open, allowing probe", "peer", peer)
		default: // closed or half-open
			allowed = true
		}
	})
	return allowed, err
}

// RecordSuccess resets the peer's circuit to closed.
func (b *Breaker) RecordSuccess(peer string) error {
	_, err := b.store.MutateCircuit(peer, func(c *store.Circuit) {
		if c.State != store.CircuitClosed {
			b.log.Info("circuit closed", "peer", peer)
		}
		c.State = store.CircuitClosed
		c.Failures = 0
		c.OpenUntil = time.Time{}
	})
	b.gaugeOpen()
	return err
}

// RecordFailure increments the failure count and may trip the circuit
// open. A half-open probe failure re-opens immediately with a fresh
// cooldown. Returns the resulting circuit record.
func (b *Breaker) RecordFailure(peer string) (store.Circuit, error) {
	now := b.clock.Now()
	out, err := b.store.MutateCircuit(peer, func(c *store.Circuit) {
		c.Failures++
		c.LastFailure = now

		tripped := c.State == store.CircuitHalfOpen || c.Failures >= b.threshold
		if tripped && c.State != store.CircuitOpen {
			c.State = store.CircuitOpen
			c.OpenUntil = now.Add(b.cooldown)
			b.log.Warn("circuit open", "peer", peer, "failures", c.Failures, "until", c.OpenUntil.Format(time.RFC3339))
		} else if c.State == store.CircuitOpen {
			// Failure while already open resets the cooldown.
			c.OpenUntil = now.Add(b.cooldown)
		}
	})
	b.gaugeOpen()
	return out, err
}

// State returns the current circuit record for a peer.
func (b *Breaker) State(peer string) (store.Circuit, error) {
	return b.store.GetCircuit(peer)
}

// gaugeOpen recounts open circuits into the exported gauge.
func (b *Breaker) gaugeOpen() {
	all, err := b.store.AllCircuits()
	if err != nil {
		return
	}
	open := 0
	for _, c := range all {
		if c.State == store.CircuitOpen {
			open++
		}
	}
	metrics.CircuitsOpen.Set(float64(open))
}
