// Package queue drains the dead-letter queue: expired entries are
// purged, targets are probed, and queued envelopes are replayed one at
// a time against reachable peers.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentmesh/meshd/internal/audit"
	"github.com/agentmesh/meshd/internal/clock"
	"github.com/agentmesh/meshd/internal/envelope"
	"github.com/agentmesh/meshd/internal/events"
	"github.com/agentmesh/meshd/internal/identity"
	"github.com/agentmesh/meshd/internal/metrics"
	"github.com/agentmesh/meshd/internal/send"
	"github.com/agentmesh/meshd/internal/store"
	"github.com/agentmesh/meshd/internal/transport"
)

// probeTimeout bounds the pre-replay TCP reachability check.
const probeTimeout = 2 * time.Second

// replaySpacing paces replays so a recovering peer is not flooded.
const replaySpacing = time.Second

// Report summarizes one drain pass.
type Report struct {
	Purged      int      `json:"purged"`
	Replayed    int      `json:"replayed"`
	Failed      int      `json:"failed"`
	Unreachable []string `json:"unreachable,omitempty"`
	Remaining   int      `json:"remaining"`
}

// journalEntry is one line in queue-replay.jsonl.
type journalEntry struct {
	TS      string `json:"ts"`
	ID      string `json:"id"`
	To      string `json:"to"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// Drainer replays dead-lettered envelopes.
type Drainer struct {
	store    *store.Store
	registry *identity.Registry
	sender   *send.Sender
	journal  *audit.Journal
	clock    clock.Clock
	bus      *events.Bus
	ttl      time.Duration
	log      *slog.Logger
}

// New creates a Drainer.
func New(st *store.Store, registry *identity.Registry, sender *send.Sender, journal *audit.Journal, clk clock.Clock, bus *events.Bus, defaultTTL time.Duration, log *slog.Logger) *Drainer {
	return &Drainer{
		store:    st,
		registry: registry,
		sender:   sender,
		journal:  journal,
		clock:    clk,
		bus:      bus,
		ttl:      defaultTTL,
		log:      log,
	}
}

// Drain runs one pass: purge expired entries, group the rest by target,
// probe each target over TCP, and replay queued envelopes to reachable
// peers with a delay between sends. Entries that fail again stay queued
// for the next pass.
func (d *Drainer) Drain(ctx context.Context) (Report, error) {
	var rep Report

	purged, err := d.store.PurgeExpiredDeadLetters(d.clock.Now(), d.ttl)
	if err != nil {
		return rep, err
	}
	rep.Purged = purged
	if purged > 0 {
		d.log.Info("purged expired dead letters", "count", purged)
	}

	letters, err := d.store.ListDeadLetters()
	if err != nil {
		return rep, err
	}

	byTarget := make(map[string][]store.DeadLetter)
	for _, dl := range letters {
		byTarget[dl.To] = append(byTarget[dl.To], dl)
	}

	for target, group := range byTarget {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !d.reachable(target) {
			rep.Unreachable = append(rep.Unreachable, target)
			d.log.Info("target unreachable, keeping queue", "peer", target, "queued", len(group))
			continue
		}
		d.replayGroup(ctx, target, group, &rep)
	}

	if n, err := d.store.DeadLetterCount(); err == nil {
		rep.Remaining = n
		metrics.DeadLetters.Set(float64(n))
	}
	return rep, nil
}

func (d *Drainer) replayGroup(ctx context.Context, target string, group []store.DeadLetter, rep *Report) {
	for i, dl := range group {
		if i > 0 {
			if err := d.clock.Sleep(ctx, replaySpacing); err != nil {
				return
			}
		}
		env, err := envelope.Decode(dl.Envelope)
		if err != nil {
			d.log.Warn("dropping undecodable dead letter", "id", dl.ID, "error", err)
			d.store.RemoveDeadLetter(dl.ID)
			continue
		}
		if env.Expired(d.clock.Now(), d.ttl) {
			d.store.RemoveDeadLetter(dl.ID)
			rep.Purged++
			continue
		}

		if err := d.sender.Deliver(ctx, env); err != nil {
			rep.Failed++
			metrics.QueueReplays.WithLabelValues("failed").Inc()
			d.journalLine(dl, "failed", err.Error())
			d.log.Warn("replay failed", "id", dl.ID, "peer", target, "error", err)
			continue
		}

		d.store.RemoveDeadLetter(dl.ID)
		d.store.IncCounter(store.CounterReplayed, 1)
		rep.Replayed++
		metrics.QueueReplays.WithLabelValues("replayed").Inc()
		d.journalLine(dl, "replayed", "")
		d.bus.Publish(events.Event{Type: events.EventQueueReplayed, Peer: target, MessageID: dl.ID})
		d.log.Info("replayed dead letter", "id", dl.ID, "peer", target)
	}
}

// reachable probes the target with a bare TCP dial. Peers missing from
// the registry can never be replayed, so they count as unreachable.
func (d *Drainer) reachable(target string) bool {
	peer, err := d.registry.Peer(target)
	if err != nil {
		return false
	}
	_, err = transport.ProbeTCP(peer.IP, peer.Port, probeTimeout)
	return err == nil
}

func (d *Drainer) journalLine(dl store.DeadLetter, outcome, reason string) {
	if d.journal == nil {
		return
	}
	err := d.journal.Append(journalEntry{
		TS:      d.clock.Now().UTC().Format(envelope.TimeFormat),
		ID:      dl.ID,
		To:      dl.To,
		Outcome: outcome,
		Reason:  reason,
	})
	if err != nil {
		d.log.Error("queue journal append failed", "error", err)
	}
}

// Status describes the queue grouped by target peer.
type Status struct {
	Total    int            `json:"total"`
	ByTarget map[string]int `json:"byTarget"`
	Oldest   string         `json:"oldest,omitempty"`
}

// Status reports current queue depth per target.
func (d *Drainer) Status() (Status, error) {
	letters, err := d.store.ListDeadLetters()
	if err != nil {
		return Status{}, err
	}
	st := Status{Total: len(letters), ByTarget: make(map[string]int)}
	for _, dl := range letters {
		st.ByTarget[dl.To]++
	}
	if len(letters) > 0 {
		st.Oldest = letters[0].Timestamp.UTC().Format(envelope.TimeFormat)
	}
	return st, nil
}

// Purge empties the queue unconditionally.
func (d *Drainer) Purge() (int, error) {
	n, err := d.store.PurgeAllDeadLetters()
	if err == nil {
		metrics.DeadLetters.Set(0)
		d.log.Info("dead-letter queue purged", "count", n)
	}
	return n, err
}
