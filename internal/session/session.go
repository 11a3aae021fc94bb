// Package session maintains durable, bounded chat-like contexts shared
// across peers. Each participant keeps its own copy of a session,
// updated lazily by the envelopes that carry its key.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/agentmesh/meshd/internal/clock"
	"github.com/agentmesh/meshd/internal/envelope"
	"github.com/agentmesh/meshd/internal/metrics"
	"github.com/agentmesh/meshd/internal/send"
	"github.com/agentmesh/meshd/internal/store"
)

// ringSize caps the per-session message history.
const ringSize = 50

// contextMessages is how many trailing messages feed the context block.
const contextMessages = 10

// contextBodyLimit trims long bodies inside the context block.
const contextBodyLimit = 300

// Session statuses.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Message is one entry in a session's history ring.
type Message struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	TS        string `json:"ts"`
	MessageID string `json:"messageId,omitempty"`
}

// Record is the persisted session state.
type Record struct {
	SessionKey   string    `json:"sessionKey"`
	Created      string    `json:"created"`
	LastActivity string    `json:"lastActivity"`
	Status       string    `json:"status"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
}

// Sender fans session messages out to the other participants.
type Sender interface {
	Send(ctx context.Context, opts envelope.BuildOptions) send.Outcome
}

// Router owns session state for this node.
type Router struct {
	mu     sync.Mutex
	self   string
	store  *store.Store
	sender Sender
	clock  clock.Clock
	ttl    time.Duration
	log    *slog.Logger
}

// NewRouter creates a session router. ttl is the inactivity window
// after which Cleanup removes a session.
func NewRouter(self string, st *store.Store, sender Sender, clk clock.Clock, ttl time.Duration, log *slog.Logger) *Router {
	return &Router{
		self:   self,
		store:  st,
		sender: sender,
		clock:  clk,
		ttl:    ttl,
		log:    log,
	}
}

// RecordInbound appends an inbound envelope to its session, creating
// the session on first sight of the key.
func (r *Router) RecordInbound(env *envelope.Envelope) {
	r.record(env, env.From, env.To)
}

// RecordOutbound appends an outbound envelope to its session. This is
// the send pipeline's SessionRecorder hook.
func (r *Router) RecordOutbound(env *envelope.Envelope) {
	r.record(env, env.From, env.To)
}

func (r *Router) record(env *envelope.Envelope, from, to string) {
	key := env.SessionKey()
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(key)
	if err != nil {
		r.log.Error("session load failed", "key", key, "error", err)
		return
	}
	now := r.clock.Now().UTC().Format(envelope.TimeFormat)
	if rec == nil {
		rec = &Record{
			SessionKey: key,
			Created:    now,
			Status:     StatusActive,
		}
		r.log.Info("session created", "key", key)
	}

	rec.LastActivity = now
	rec.Participants = addParticipant(rec.Participants, from)
	rec.Participants = addParticipant(rec.Participants, to)
	rec.Messages = append(rec.Messages, Message{
		From:      from,
		To:        to,
		Body:      env.Payload.Body,
		TS:        env.Timestamp,
		MessageID: env.ID,
	})
	if len(rec.Messages) > ringSize {
		rec.Messages = rec.Messages[len(rec.Messages)-ringSize:]
	}

	if err := r.save(rec); err != nil {
		r.log.Error("session save failed", "key", key, "error", err)
	}
	r.gaugeActive()
}

// Send fans a message out to every other participant of the session.
// The body is prefixed with a readable context block, and the trailing
// history also rides as structured metadata.
func (r *Router) Send(ctx context.Context, sessionKey, body string) (send.BroadcastResult, error) {
	r.mu.Lock()
	rec, err := r.load(sessionKey)
	r.mu.Unlock()
	if err != nil {
		return send.BroadcastResult{}, err
	}
	if rec == nil {
		return send.BroadcastResult{}, fmt.Errorf("session %s not found", sessionKey)
	}

	var targets []string
	for _, p := range rec.Participants {
		if p != r.self {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return send.BroadcastResult{}, fmt.Errorf("session %s has no other participants", sessionKey)
	}

	hist := formatContext(rec, contextMessages)
	fullBody := body
	if hist != "" {
		fullBody = hist + "\n" + body
	}
	trailing := rec.Messages
	if len(trailing) > contextMessages {
		trailing = trailing[len(trailing)-contextMessages:]
	}

	res := send.BroadcastResult{ByPeer: make(map[string]send.Outcome, len(targets))}
	for _, target := range targets {
		out := r.sender.Send(ctx, envelope.BuildOptions{
			Type:    envelope.TypeNotification,
			To:      target,
			Subject: "Session " + sessionKey,
			Body:    fullBody,
			Session: &envelope.SessionRef{Key: sessionKey},
			Metadata: map[string]any{
				"sessionContext": trimmedContext(trailing),
			},
		})
		res.ByPeer[target] = out
		if out.OK() {
			res.Sent = append(res.Sent, target)
		} else {
			res.Failed = append(res.Failed, target)
		}
	}
	return res, nil
}

// ContextBlock renders the session's trailing history for the host
// agent.
func (r *Router) ContextBlock(sessionKey string, n int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.load(sessionKey)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("session %s not found", sessionKey)
	}
	if n <= 0 {
		n = contextMessages
	}
	return formatContext(rec, n), nil
}

// Get returns a session record.
func (r *Router) Get(sessionKey string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.load(sessionKey)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("session %s not found", sessionKey)
	}
	return rec, nil
}

// List returns all sessions sorted by last activity, newest first.
func (r *Router) List() ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	blobs, err := r.store.ListSessions()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(blobs))
	for _, blob := range blobs {
		var rec Record
		if err := json.Unmarshal(blob, &rec); err == nil {
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity > out[j].LastActivity })
	return out, nil
}

// Cleanup removes sessions inactive beyond the TTL, returning the keys
// removed.
func (r *Router) Cleanup(now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	blobs, err := r.store.ListSessions()
	if err != nil {
		return nil, err
	}
	var removed []string
	for key, blob := range blobs {
		var rec Record
		if err := json.Unmarshal(blob, &rec); err != nil {
			continue
		}
		last, err := time.Parse(envelope.TimeFormat, rec.LastActivity)
		if err != nil {
			continue
		}
		if now.Sub(last) <= r.ttl {
			continue
		}
		if err := r.store.DeleteSession(key); err != nil {
			return removed, err
		}
		removed = append(removed, key)
		r.log.Info("session expired", "key", key, "lastActivity", rec.LastActivity)
	}
	r.gaugeActive()
	return removed, nil
}

func (r *Router) load(key string) (*Record, error) {
	blob, err := r.store.GetSession(key)
	if err != nil || blob == nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Router) save(rec *Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.SaveSession(rec.SessionKey, blob)
}

func (r *Router) gaugeActive() {
	if blobs, err := r.store.ListSessions(); err == nil {
		metrics.SessionsActive.Set(float64(len(blobs)))
	}
}

func formatContext(rec *Record, n int) string {
	msgs := rec.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent session history:\n")
	for _, m := range msgs {
		b.WriteString("  [")
		b.WriteString(m.From)
		b.WriteString("] ")
		b.WriteString(trim(m.Body, contextBodyLimit))
		b.WriteString("\n")
	}
	return b.String()
}

// trimmedContext bounds message bodies before they ride as metadata.
func trimmedContext(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.Body = trim(m.Body, contextBodyLimit)
		out[i] = m
	}
	return out
}

func addParticipant(list []string, name string) []string {
	if name == "" {
		return list
	}
	for _, p := range list {
		if p == name {
			return list
		}
	}
	return append(list, name)
}

// trim cuts on a rune boundary so multi-byte text never becomes
// invalid UTF-8.
func trim(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
