// Package send implements the outbound pipeline: circuit breaker,
// envelope build, HTTP POST with retries, relay fallback, dead-letter
// on exhaustion, and the audit trail.
package send

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmesh/meshd/internal/audit"
	"github.com/agentmesh/meshd/internal/circuit"
	"github.com/agentmesh/meshd/internal/clock"
	"github.com/agentmesh/meshd/internal/envelope"
	"github.com/agentmesh/meshd/internal/events"
	"github.com/agentmesh/meshd/internal/identity"
	"github.com/agentmesh/meshd/internal/metrics"
	"github.com/agentmesh/meshd/internal/store"
	"github.com/agentmesh/meshd/internal/transport"
)

// SessionRecorder appends outbound envelopes to their session record.
// Implemented by the session router; an interface here keeps the
// packages decoupled (the router also calls back into the sender).
type SessionRecorder interface {
	RecordOutbound(env *envelope.Envelope)
}

// Sender drives the outbound pipeline for one node.
type Sender struct {
	self     string
	registry *identity.Registry
	breaker  *circuit.Breaker
	store    *store.Store
	audit    *audit.Log
	builder  *envelope.Builder
	client   *transport.Client
	keys     envelope.KeySource
	clock    clock.Clock
	bus      *events.Bus
	sessions SessionRecorder
	retry    RetryPolicy
	ttl      time.Duration
	dashPort int
	log      *slog.Logger
}

// New creates a Sender. sessions may be nil until the session router is
// attached via SetSessionRecorder.
func New(registry *identity.Registry, breaker *circuit.Breaker, st *store.Store, auditLog *audit.Log, builder *envelope.Builder, client *transport.Client, keys envelope.KeySource, clk clock.Clock, bus *events.Bus, retry RetryPolicy, defaultTTL time.Duration, dashboardPort int, log *slog.Logger) *Sender {
	return &Sender{
		self:     registry.Self(),
		registry: registry,
		breaker:  breaker,
		store:    st,
		audit:    auditLog,
		builder:  builder,
		client:   client,
		keys:     keys,
		clock:    clk,
		bus:      bus,
		retry:    retry,
		ttl:      defaultTTL,
		dashPort: dashboardPort,
		log:      log,
	}
}

// SetSessionRecorder attaches the session router after construction.
func (s *Sender) SetSessionRecorder(r SessionRecorder) { s.sessions = r }

// Send builds an envelope from opts and runs the full pipeline against
// the target.
func (s *Sender) Send(ctx context.Context, opts envelope.BuildOptions) Outcome {
	if _, err := s.registry.Peer(opts.To); err != nil {
		return Outcome{Kind: KindUnknownPeer, Status: "unknown_peer", Detail: err.Error()}
	}
	env, err := s.builder.Build(opts)
	if err != nil {
		return Outcome{Kind: KindInvalid, Status: "build_failed", Detail: err.Error()}
	}
	return s.SendEnvelope(ctx, env)
}

// Broadcast fans an envelope out to every target, building one envelope
// per target so ids and nonces stay unique.
func (s *Sender) Broadcast(ctx context.Context, targets []string, opts envelope.BuildOptions) BroadcastResult {
	res := BroadcastResult{ByPeer: make(map[string]Outcome, len(targets))}
	for _, target := range targets {
		o := opts
		o.To = target
		out := s.Send(ctx, o)
		res.ByPeer[target] = out
		if out.OK() {
			res.Sent = append(res.Sent, target)
		} else {
			res.Failed = append(res.Failed, target)
		}
	}
	return res
}

// SendEnvelope runs the pipeline for a pre-built envelope.
func (s *Sender) SendEnvelope(ctx context.Context, env *envelope.Envelope) Outcome {
	start := s.clock.Now()
	out := s.deliver(ctx, env)
	metrics.SendDuration.Observe(s.clock.Since(start).Seconds())
	metrics.MessagesSent.WithLabelValues(string(out.Kind)).Inc()
	return out
}

func (s *Sender) deliver(ctx context.Context, env *envelope.Envelope) Outcome {
	peer, err := s.registry.Peer(env.To)
	if err != nil {
		return Outcome{Kind: KindUnknownPeer, MessageID: env.ID, Status: "unknown_peer", Detail: err.Error()}
	}

	allowed, err := s.breaker.Allow(env.To)
	if err != nil {
		s.log.Error("circuit lookup failed", "peer", env.To, "error", err)
	}
	if !allowed {
		s.deadLetter(env, "circuit_open")
		s.auditStatus(env, "circuit_open")
		return Outcome{Kind: KindCircuitOpen, MessageID: env.ID, Status: "circuit_open"}
	}

	lastErr := s.attemptLoop(ctx, env, peer)
	if lastErr == nil {
		s.onDelivered(env, "sent", env.To)
		return Outcome{Kind: KindOK, MessageID: env.ID, Status: "sent"}
	}

	if errExpired, ok := lastErr.(expiredError); ok {
		s.auditStatus(env, "expired")
		return Outcome{Kind: KindExpired, MessageID: env.ID, Status: "expired", Detail: errExpired.Error()}
	}

	if transport.Permanent(lastErr) {
		reason := fmt.Sprintf("client_error_%d", transport.StatusCode(lastErr))
		s.recordFailure(env.To)
		s.deadLetter(env, reason)
		s.auditStatus(env, reason)
		return Outcome{Kind: KindClientError, MessageID: env.ID, Status: reason, Detail: lastErr.Error()}
	}

	// Retries exhausted: try the relay before giving up.
	if relay, ok := s.relayFor(env.To); ok {
		if err := s.sendViaRelay(ctx, env, relay); err == nil {
			status := "relayed_via_" + relay.Name
			s.onDelivered(env, status, relay.Name)
			return Outcome{Kind: KindRelayed, MessageID: env.ID, Status: status}
		} else {
			s.log.Warn("relay fallback failed", "relay", relay.Name, "target", env.To, "error", err)
		}
	}

	s.recordFailure(env.To)
	s.deadLetter(env, "transport_error")
	s.auditStatus(env, "failed")
	s.bus.Publish(events.Event{Type: events.EventMessageFailed, Peer: env.To, MessageID: env.ID, Message: lastErr.Error()})
	return Outcome{Kind: KindTransport, MessageID: env.ID, Status: "failed", Detail: lastErr.Error()}
}

// Deliver makes exactly one delivery attempt with no retries, circuit
// consult, or relay fallback. The queue drainer uses it after probing
// the target itself. A delivery that lands still resets the peer's
// circuit: the peer is demonstrably back.
func (s *Sender) Deliver(ctx context.Context, env *envelope.Envelope) error {
	peer, err := s.registry.Peer(env.To)
	if err != nil {
		return err
	}
	url, sessionKey := s.routeFor(env, peer)
	if err := s.client.Post(ctx, url, peer.Token, env, sessionKey); err != nil {
		return err
	}
	s.breaker.RecordSuccess(env.To)
	return nil
}

// expiredError marks an attempt aborted because the envelope outlived
// its TTL.
type expiredError struct{ id string }

func (e expiredError) Error() string { return "envelope " + e.id + " expired before delivery" }

// attemptLoop runs the retry schedule. Returns nil on delivery, a
// permanent error immediately on 4xx, and the last transport error on
// exhaustion. TTL expiry aborts pre-POST.
func (s *Sender) attemptLoop(ctx context.Context, env *envelope.Envelope, peer identity.Peer) error {
	url, sessionKey := s.routeFor(env, peer)

	var lastErr error
	for i, delay := range s.retry.Delays {
		if delay > 0 {
			if err := s.clock.Sleep(ctx, delay); err != nil {
				return err
			}
		}
		if i > 0 {
			metrics.SendRetries.Inc()
		}
		if env.Expired(s.clock.Now(), s.ttl) {
			return expiredError{id: env.ID}
		}

		err := s.client.Post(ctx, url, peer.Token, env, sessionKey)
		if err == nil {
			return nil
		}
		if transport.Permanent(err) {
			return err
		}
		lastErr = err
		s.log.Warn("delivery attempt failed", "to", env.To, "attempt", i+1, "error", err)
	}
	return lastErr
}

// routeFor picks the delivery URL. A caller-supplied sessionKey in
// replyContext redirects to the peer's generic session-routing endpoint
// and must also ride as a top-level POST field.
func (s *Sender) routeFor(env *envelope.Envelope, peer identity.Peer) (url, sessionKey string) {
	var rc struct {
		SessionKey string `json:"sessionKey"`
	}
	if len(env.ReplyContext) > 0 && json.Unmarshal(env.ReplyContext, &rc) == nil && rc.SessionKey != "" {
		return peer.AgentHookURL(), rc.SessionKey
	}
	return peer.HookURL(s.self), ""
}

// relayFor returns the elected relay peer when one exists and is
// neither the target nor this node.
func (s *Sender) relayFor(target string) (identity.Peer, bool) {
	rt, err := s.store.GetRoutingTable()
	if err != nil || rt.Relay == "" || rt.Relay == target || rt.Relay == s.self {
		return identity.Peer{}, false
	}
	relay, err := s.registry.Peer(rt.Relay)
	if err != nil {
		return identity.Peer{}, false
	}
	return relay, true
}

// sendViaRelay wraps the envelope with a relay hint and posts it to the
// relay's hook. Envelopes already carrying a relay hint are never
// re-wrapped (one-hop cap).
func (s *Sender) sendViaRelay(ctx context.Context, env *envelope.Envelope, relay identity.Peer) error {
	if env.Relay != nil {
		return fmt.Errorf("envelope %s already relayed via %s", env.ID, env.Relay.Via)
	}

	wrapped := *env
	wrapped.Relay = &envelope.RelayHint{From: s.self, Via: relay.Name, OriginalTo: env.To}

	// The relay hint changes the signed bytes, so re-sign for the relay
	// hop when the relay expects signatures.
	wrapped.Signature = ""
	if s.registry.IsSigning(relay.Name) {
		key, err := s.keys.SigningKey(relay.Name)
		if err != nil {
			return fmt.Errorf("relay signing key: %w", err)
		}
		if err := envelope.Sign(&wrapped, key); err != nil {
			return err
		}
	}

	return s.client.Post(ctx, relay.HookURL(s.self), relay.Token, &wrapped, "")
}

// onDelivered runs the success bookkeeping: circuit reset, audit,
// dashboard sink, session record, event publish.
func (s *Sender) onDelivered(env *envelope.Envelope, status, via string) {
	s.breaker.RecordSuccess(env.To)
	s.auditStatus(env, status)
	s.store.IncCounter(store.CounterSent, 1)
	s.bus.Publish(events.Event{Type: events.EventMessageSent, Peer: env.To, MessageID: env.ID, ConversationID: env.ConversationID, Message: status})

	if s.sessions != nil && env.SessionKey() != "" {
		s.sessions.RecordOutbound(env)
	}
	s.notifyDashboard(env)
	_ = via
}

// notifyDashboard posts a small JSON blob to the target's dashboard
// sink for real-time UI updates. Best-effort with a hard 3s budget;
// failures are silent and the audit log remains the authoritative
// record.
func (s *Sender) notifyDashboard(env *envelope.Envelope) {
	if env.Type != envelope.TypeResponse || env.ConversationID == "" || s.dashPort <= 0 {
		return
	}
	peer, err := s.registry.Peer(env.To)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		url := fmt.Sprintf("http://%s:%d/api/mesh/response", peer.IP, s.dashPort)
		_ = postJSON(ctx, url, map[string]any{
			"conversationId": env.ConversationID,
			"from":           env.From,
			"body":           env.Payload.Body,
			"ts":             env.Timestamp,
		})
	}()
}

// recordFailure feeds the breaker and announces a newly opened circuit.
// Open circuits are skipped before any attempt is made, so a failure
// that lands in the open state is the trip itself.
func (s *Sender) recordFailure(peer string) {
	c, err := s.breaker.RecordFailure(peer)
	if err != nil {
		s.log.Error("circuit update failed", "peer", peer, "error", err)
		return
	}
	if c.State == store.CircuitOpen {
		s.bus.Publish(events.Event{Type: events.EventCircuitOpen, Peer: peer, Message: "circuit open after repeated failures"})
	}
}

func (s *Sender) deadLetter(env *envelope.Envelope, reason string) {
	raw, err := envelope.Encode(env)
	if err != nil {
		s.log.Error("dead-letter encode failed", "id", env.ID, "error", err)
		return
	}
	dropped, err := s.store.AppendDeadLetter(store.DeadLetter{
		ID:         env.ID,
		Timestamp:  s.clock.Now().UTC(),
		To:         env.To,
		FailReason: reason,
		Attempts:   s.retry.Attempts(),
		Envelope:   raw,
	})
	if err != nil {
		s.log.Error("dead-letter append failed", "id", env.ID, "error", err)
		return
	}
	if dropped > 0 {
		s.log.Warn("dead-letter queue overflow, dropped oldest", "dropped", dropped)
	}
	if n, err := s.store.DeadLetterCount(); err == nil {
		metrics.DeadLetters.Set(float64(n))
	}
}

func (s *Sender) auditStatus(env *envelope.Envelope, status string) {
	err := s.audit.Append(audit.Entry{
		TS:             env.Timestamp,
		From:           env.From,
		To:             env.To,
		Type:           env.Type,
		ID:             env.ID,
		Subject:        env.Payload.Subject,
		Body:           env.Payload.Body,
		Status:         status,
		CorrelationID:  env.CorrelationID,
		ConversationID: env.ConversationID,
		ReplyContext:   env.ReplyContext,
		Signed:         env.Signature != "",
		Session:        env.SessionKey(),
	})
	if err != nil {
		s.log.Error("audit append failed", "id", env.ID, "error", err)
	}
}
