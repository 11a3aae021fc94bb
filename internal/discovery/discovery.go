// Package discovery probes peer liveness and elects a relay when the
// hub is unreachable. Every decision is purely local: each node keeps
// its own view and never negotiates with others.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
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

// statusProbeTimeout bounds the GET /api/status liveness check.
const statusProbeTimeout = 3 * time.Second

// tcpProbeTimeout bounds the TCP fallback for peers without a status
// endpoint.
const tcpProbeTimeout = 3 * time.Second

// relayRoles are the registry roles preferred during election.
var relayRoles = map[string]bool{"relay": true, "sre": true}

// journalEntry is one line in discover.jsonl.
type journalEntry struct {
	TS     string `json:"ts"`
	Action string `json:"action"`
	Peer   string `json:"peer,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Discovery probes peers and maintains the routing table.
type Discovery struct {
	registry *identity.Registry
	store    *store.Store
	client   *transport.Client
	journal  *audit.Journal
	clock    clock.Clock
	bus      *events.Bus
	log      *slog.Logger
}

// New creates a Discovery.
func New(registry *identity.Registry, st *store.Store, client *transport.Client, journal *audit.Journal, clk clock.Clock, bus *events.Bus, log *slog.Logger) *Discovery {
	return &Discovery{
		registry: registry,
		store:    st,
		client:   client,
		journal:  journal,
		clock:    clk,
		bus:      bus,
		log:      log,
	}
}

// Probe checks every non-self peer and persists fresh health records.
// Probes hit the lightweight status endpoint, never a hook: posting to
// a hook would wake the host agent. TCP connect is the fallback for
// peers that do not serve the status endpoint.
func (d *Discovery) Probe(ctx context.Context) (store.MeshHealth, error) {
	peers := d.registry.Peers()
	health := store.MeshHealth{Total: len(peers)}

	for _, peer := range peers {
		if err := ctx.Err(); err != nil {
			return health, err
		}
		rec := d.probeOne(ctx, peer)
		if rec.Reachable {
			health.Up++
		} else {
			health.Down++
		}
		if err := d.store.PutPeerHealth(peer.Name, rec); err != nil {
			d.log.Error("persist peer health failed", "peer", peer.Name, "error", err)
		}
		metrics.ProbeLatency.WithLabelValues(peer.Name).Observe(float64(rec.LatencyMs) / 1000)
	}

	metrics.PeersReachable.Set(float64(health.Up))
	metrics.PeersTotal.Set(float64(health.Total))
	d.journalLine("probe", "", "")
	return health, nil
}

func (d *Discovery) probeOne(ctx context.Context, peer identity.Peer) store.PeerHealth {
	prev, _, _ := d.store.GetPeerHealth(peer.Name)
	rec := store.PeerHealth{
		IP:        peer.IP,
		Port:      peer.Port,
		LastProbe: d.clock.Now().UTC(),
	}

	code, latency, err := d.client.ProbeStatus(ctx, peer.BaseURL(), statusProbeTimeout)
	if err == nil {
		rec.HTTPCode = code
		rec.LatencyMs = latency.Milliseconds()
		rec.Reachable = code >= 200 && code < 500
	} else {
		// No status endpoint or connection refused: TCP connect decides.
		tcpLatency, tcpErr := transport.ProbeTCP(peer.IP, peer.Port, tcpProbeTimeout)
		rec.LatencyMs = tcpLatency.Milliseconds()
		rec.Reachable = tcpErr == nil
	}

	if rec.Reachable {
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		d.log.Warn("peer unreachable", "peer", peer.Name, "failures", rec.ConsecutiveFailures)
	}
	return rec
}

// Elect refreshes the routing table. When the hub is reachable it stays
// the route; otherwise a relay is chosen by priority: a reachable peer
// with a relay role, then the reachable peer with the lowest probe
// latency. With no candidate the mesh is partitioned and the relay slot
// is cleared.
func (d *Discovery) Elect(ctx context.Context) (store.RoutingTable, error) {
	health, err := d.Probe(ctx)
	if err != nil {
		return store.RoutingTable{}, err
	}

	now := d.clock.Now().UTC()
	rt := store.RoutingTable{
		Self:        d.registry.Self(),
		MeshHealth:  health,
		LastUpdated: now,
	}
	if prev, err := d.store.GetRoutingTable(); err == nil {
		rt.LastElection = prev.LastElection
	}

	hub, hasHub := d.registry.Hub()
	if hasHub {
		rt.Hub = hub.Name
		if d.isReachable(hub.Name) {
			rt.Relay = ""
			err := d.store.PutRoutingTable(rt)
			return rt, err
		}
	}

	relay, found := d.pickRelay(hub.Name)
	rt.LastElection = now
	if found {
		rt.Relay = relay
		d.log.Info("relay elected", "relay", relay, "hub", rt.Hub)
		d.journalLine("elect", relay, "hub unreachable")
		d.bus.Publish(events.Event{Type: events.EventRelayElected, Peer: relay})
	} else {
		rt.Relay = ""
		d.log.Warn("mesh partitioned, no relay candidate")
		d.journalLine("elect", "", "partitioned")
	}

	err = d.store.PutRoutingTable(rt)
	return rt, err
}

// pickRelay chooses among reachable peers excluding the hub itself.
func (d *Discovery) pickRelay(hub string) (string, bool) {
	type candidate struct {
		name    string
		role    string
		latency int64
	}
	var candidates []candidate

	for _, peer := range d.registry.Peers() {
		if peer.Name == hub {
			continue
		}
		h, ok, err := d.store.GetPeerHealth(peer.Name)
		if err != nil || !ok || !h.Reachable {
			continue
		}
		candidates = append(candidates, candidate{name: peer.Name, role: peer.Role, latency: h.LatencyMs})
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := relayRoles[candidates[i].role], relayRoles[candidates[j].role]
		if ri != rj {
			return ri
		}
		if candidates[i].latency != candidates[j].latency {
			return candidates[i].latency < candidates[j].latency
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[0].name, true
}

func (d *Discovery) isReachable(peer string) bool {
	h, ok, err := d.store.GetPeerHealth(peer)
	return err == nil && ok && h.Reachable
}

// Snapshot is the gossip payload: this node's routing view plus its
// peer-health observations.
type Snapshot struct {
	Self       string                      `json:"self"`
	Routing    store.RoutingTable          `json:"routing"`
	PeerHealth map[string]store.PeerHealth `json:"peerHealth"`
}

// Snapshot collects the current local view for gossip or status output.
func (d *Discovery) Snapshot() (Snapshot, error) {
	rt, err := d.store.GetRoutingTable()
	if err != nil {
		return Snapshot{}, err
	}
	health, err := d.store.AllPeerHealth()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Self: d.registry.Self(), Routing: rt, PeerHealth: health}, nil
}

// Broadcaster fans a notification out to targets. Implemented by the
// send pipeline.
type Broadcaster interface {
	Broadcast(ctx context.Context, targets []string, opts envelope.BuildOptions) send.BroadcastResult
}

// Gossip broadcasts this node's routing view to all reachable peers as
// a notification. Receivers treat the payload as a hint and never let
// it override their own observations.
func (d *Discovery) Gossip(ctx context.Context, b Broadcaster) (int, error) {
	snap, err := d.Snapshot()
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return 0, err
	}

	var targets []string
	for _, peer := range d.registry.Peers() {
		if d.isReachable(peer.Name) {
			targets = append(targets, peer.Name)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	res := b.Broadcast(ctx, targets, envelope.BuildOptions{
		Type:     envelope.TypeNotification,
		Subject:  "Mesh routing gossip",
		Body:     string(body),
		Priority: envelope.PriorityLow,
		Metadata: map[string]any{"gossip": true},
	})
	d.journalLine("gossip", "", fmt.Sprintf("sent=%d failed=%d", len(res.Sent), len(res.Failed)))
	return len(res.Sent), nil
}

func (d *Discovery) journalLine(action, peer, detail string) {
	if d.journal == nil {
		return
	}
	err := d.journal.Append(journalEntry{
		TS:     d.clock.Now().UTC().Format(envelope.TimeFormat),
		Action: action,
		Peer:   peer,
		Detail: detail,
	})
	if err != nil {
		d.log.Error("discovery journal append failed", "error", err)
	}
}
