package receive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/meshd/internal/audit"
	"github.com/agentmesh/meshd/internal/clock"
	"github.com/agentmesh/meshd/internal/conversation"
	"github.com/agentmesh/meshd/internal/discovery"
	"github.com/agentmesh/meshd/internal/envelope"
	"github.com/agentmesh/meshd/internal/events"
	"github.com/agentmesh/meshd/internal/identity"
	"github.com/agentmesh/meshd/internal/metrics"
	"github.com/agentmesh/meshd/internal/queue"
	"github.com/agentmesh/meshd/internal/send"
	"github.com/agentmesh/meshd/internal/session"
	"github.com/agentmesh/meshd/internal/store"
	"github.com/agentmesh/meshd/internal/transport"
)

// maxBodySize bounds inbound POST bodies.
const maxBodySize = 10 << 20

// wireBody is the inbound POST shape.
type wireBody struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey"`
}

// Server is the node's HTTP surface.
type Server struct {
	self           string
	registry       *identity.Registry
	validator      *envelope.Validator
	builder        *envelope.Builder
	sender         *send.Sender
	client         *transport.Client
	convs          *conversation.Engine
	sessions       *session.Router
	drainer        *queue.Drainer
	disc           *discovery.Discovery
	audit          *audit.Log
	store          *store.Store
	inbox          *Inbox
	corr           *Correlations
	keys           envelope.KeySource
	handler        Handler
	handlerTimeout time.Duration
	clock          clock.Clock
	bus            *events.Bus
	log            *slog.Logger
	startedAt      time.Time
}

// Options carries the Server's collaborators.
type Options struct {
	Registry       *identity.Registry
	Validator      *envelope.Validator
	Builder        *envelope.Builder
	Sender         *send.Sender
	Client         *transport.Client
	Conversations  *conversation.Engine
	Sessions       *session.Router
	Drainer        *queue.Drainer
	Discovery      *discovery.Discovery
	Audit          *audit.Log
	Store          *store.Store
	Keys           envelope.KeySource
	Handler        Handler
	HandlerTimeout time.Duration
	Clock          clock.Clock
	Bus            *events.Bus
	Log            *slog.Logger
}

// NewServer assembles the HTTP surface.
func NewServer(opts Options) *Server {
	return &Server{
		self:           opts.Registry.Self(),
		registry:       opts.Registry,
		validator:      opts.Validator,
		builder:        opts.Builder,
		sender:         opts.Sender,
		client:         opts.Client,
		convs:          opts.Conversations,
		sessions:       opts.Sessions,
		drainer:        opts.Drainer,
		disc:           opts.Discovery,
		audit:          opts.Audit,
		store:          opts.Store,
		inbox:          &Inbox{},
		corr:           NewCorrelations(),
		keys:           opts.Keys,
		handler:        opts.Handler,
		handlerTimeout: opts.HandlerTimeout,
		clock:          opts.Clock,
		bus:            opts.Bus,
		log:            opts.Log,
		startedAt:      opts.Clock.Now(),
	}
}

// Correlations exposes the waiter table so callers can block on a
// response before handing an envelope to the send pipeline.
func (s *Server) Correlations() *Correlations { return s.corr }

// Handler returns the routing mux for the public listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/{agent}", s.handleHook)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /inbox", s.handleInbox)
	mux.HandleFunc("GET /api/mesh/summary", s.handleSummary)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.registerAdmin(mux)
	return mux
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	var body wireBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		s.dispatchBare(string(raw))
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		return
	}

	env, err := envelope.Decode([]byte(body.Message))
	if err != nil || !envelope.IsMesh(env) {
		s.dispatchBare(body.Message)
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		return
	}

	s.receiveEnvelope(w, env, body.SessionKey)
}

// receiveEnvelope runs the inbound pipeline on a parsed mesh envelope.
func (s *Server) receiveEnvelope(w http.ResponseWriter, env *envelope.Envelope, sessionKey string) {
	// A relayed envelope addressed elsewhere is forwarded one hop, never
	// relayed again.
	if env.Relay != nil && env.Relay.Via == s.self && env.To != s.self {
		s.forwardRelay(w, env)
		return
	}
	if env.To != s.self {
		s.reject(env, "rejected_misrouted", http.StatusBadRequest, w, fmt.Sprintf("addressed to %s", env.To))
		return
	}

	if err := s.validator.Check(env); err != nil {
		s.rejectInvalid(w, env, err)
		return
	}

	if env.Payload.Encrypted {
		if err := s.decrypt(env); err != nil {
			s.reject(env, "rejected_decrypt", http.StatusBadRequest, w, err.Error())
			return
		}
	}

	s.store.IncCounter(store.CounterReceived, 1)
	metrics.MessagesReceived.WithLabelValues("received").Inc()
	s.inbox.Add(env)
	s.auditStatus(env, "received")
	s.bus.Publish(events.Event{Type: events.EventMessageReceived, Peer: env.From, MessageID: env.ID, ConversationID: env.ConversationID})
	if s.sessions != nil && (env.SessionKey() != "" || sessionKey != "") {
		if env.Session == nil && sessionKey != "" {
			env.Session = &envelope.SessionRef{Key: sessionKey}
		}
		s.sessions.RecordInbound(env)
	}

	switch env.Type {
	case envelope.TypeResponse:
		s.handleResponse(env)
	case envelope.TypeRequest:
		go s.respondToRequest(env)
	default:
		if !isGossip(env) {
			s.dispatchAsync(env)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received", "id": env.ID})
}

func (s *Server) handleResponse(env *envelope.Envelope) {
	if s.corr.Fire(env) {
		s.log.Debug("response matched waiter", "correlationId", env.CorrelationID)
	}
	if env.ConversationID != "" && s.convs != nil {
		if err := s.convs.OnResponse(env.ConversationID, env.From, env.Payload.Body); err != nil {
			s.log.Warn("conversation update failed", "id", env.ConversationID, "error", err)
		}
	}
}

// respondToRequest dispatches a request to the host runtime and sends
// the response back through the pipeline, echoing replyContext verbatim.
func (s *Server) respondToRequest(env *envelope.Envelope) {
	if s.handler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.handlerTimeout)
	defer cancel()

	body, err := s.handler.Handle(ctx, requestFor(env))
	if err != nil {
		s.log.Error("handler failed", "id", env.ID, "from", env.From, "error", err)
		return
	}

	resp, err := s.builder.Response(env, body, nil)
	if err != nil {
		s.log.Error("build response failed", "id", env.ID, "error", err)
		return
	}
	s.deliverResponse(ctx, env, resp)
}

// deliverResponse routes through the send pipeline when the requester
// is a known peer, else posts directly to replyTo.
func (s *Server) deliverResponse(ctx context.Context, req, resp *envelope.Envelope) {
	if _, err := s.registry.Peer(req.From); err == nil {
		out := s.sender.SendEnvelope(ctx, resp)
		if !out.OK() {
			s.log.Warn("response delivery failed", "to", req.From, "status", out.Status)
		}
		return
	}
	if req.ReplyTo == nil || req.ReplyTo.URL == "" {
		s.log.Warn("no route for response", "to", req.From)
		return
	}
	if err := s.client.Post(ctx, req.ReplyTo.URL, req.ReplyTo.Token, resp, resp.SessionKey()); err != nil {
		s.log.Warn("response post failed", "url", req.ReplyTo.URL, "error", err)
	}
}

// dispatchAsync hands a notification or alert to the host runtime
// without expecting a response body.
func (s *Server) dispatchAsync(env *envelope.Envelope) {
	if s.handler == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.handlerTimeout)
		defer cancel()
		if _, err := s.handler.Handle(ctx, requestFor(env)); err != nil {
			s.log.Error("handler failed", "id", env.ID, "error", err)
		}
	}()
}

// dispatchBare passes a non-mesh body through to the host runtime
// unchanged.
func (s *Server) dispatchBare(body string) {
	s.log.Info("bare message passthrough", "bytes", len(body))
	if err := s.audit.Append(audit.Entry{
		From:   "unknown",
		To:     s.self,
		Type:   "bare",
		Status: "received_bare",
		Body:   body,
	}); err != nil {
		s.log.Error("audit append failed", "error", err)
	}
	if s.handler == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.handlerTimeout)
		defer cancel()
		if _, err := s.handler.Handle(ctx, Request{To: s.self, Body: body, Type: "bare"}); err != nil {
			s.log.Error("handler failed on bare message", "error", err)
		}
	}()
}

// forwardRelay delivers a relayed envelope to its original target with
// a single attempt. The relay hint stays attached so the target can see
// the path, and nothing here ever adds a second hop.
func (s *Server) forwardRelay(w http.ResponseWriter, env *envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.auditStatus(env, "relay_forward")
	if err := s.sender.Deliver(ctx, env); err != nil {
		s.log.Warn("relay forward failed", "to", env.To, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "relay forward failed"})
		return
	}
	s.log.Info("relayed envelope forwarded", "id", env.ID, "to", env.To, "from", env.Relay.From)
	writeJSON(w, http.StatusOK, map[string]string{"status": "forwarded", "id": env.ID})
}

func (s *Server) rejectInvalid(w http.ResponseWriter, env *envelope.Envelope, err error) {
	switch {
	case errors.Is(err, envelope.ErrExpired):
		s.reject(env, "rejected_expired", http.StatusBadRequest, w, err.Error())
	case errors.Is(err, envelope.ErrBadSignature):
		s.reject(env, "rejected_bad_sig", http.StatusUnauthorized, w, err.Error())
	case errors.Is(err, envelope.ErrSignatureRequired):
		s.reject(env, "rejected_unsigned", http.StatusUnauthorized, w, err.Error())
	case errors.Is(err, envelope.ErrDuplicate):
		// Already processed once: stay idempotent, acknowledge without
		// re-dispatching.
		s.auditStatus(env, "rejected_replay")
		metrics.MessagesReceived.WithLabelValues("duplicate").Inc()
		s.log.Info("duplicate envelope acknowledged", "id", env.ID, "nonce", env.Nonce)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "id": env.ID})
	case errors.Is(err, envelope.ErrReplay):
		s.reject(env, "rejected_replay", http.StatusBadRequest, w, err.Error())
	default:
		s.reject(env, "rejected", http.StatusBadRequest, w, err.Error())
	}
}

func (s *Server) reject(env *envelope.Envelope, status string, code int, w http.ResponseWriter, detail string) {
	s.auditStatus(env, status)
	metrics.MessagesReceived.WithLabelValues(status).Inc()
	s.bus.Publish(events.Event{Type: events.EventMessageRejected, Peer: env.From, MessageID: env.ID, Message: status})
	s.log.Warn("envelope rejected", "id", env.ID, "from", env.From, "status", status, "detail", detail)
	writeJSON(w, code, map[string]string{"error": status})
}

func (s *Server) decrypt(env *envelope.Envelope) error {
	key, err := s.keys.EncryptionKey(env.From)
	if err != nil {
		return fmt.Errorf("no encryption key for %s: %w", env.From, err)
	}
	return envelope.DecryptBody(env, key)
}

// authorized checks the inbound bearer token against this node's own
// registry entry. The lookup happens per request: the registry is
// mutable, and a token set or rotated after startup must take effect
// immediately.
func (s *Server) authorized(r *http.Request) bool {
	self, ok := s.registry.SelfPeer()
	if !ok || self.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+self.Token
}

func (s *Server) auditStatus(env *envelope.Envelope, status string) {
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

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "up",
		"agent":  s.self,
		"uptime": s.clock.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "up",
		"agent":  s.self,
		"inbox":  s.inbox.Len(),
	})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	msgs := s.inbox.List()
	if lim := r.URL.Query().Get("limit"); lim != "" {
		if n, err := strconv.Atoi(lim); err == nil && n > 0 && n < len(msgs) {
			msgs = msgs[len(msgs)-n:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(msgs), "messages": msgs})
}

func requestFor(env *envelope.Envelope) Request {
	return Request{
		From:         env.From,
		To:           env.To,
		Type:         env.Type,
		Subject:      env.Payload.Subject,
		Body:         env.Payload.Body,
		Attachments:  env.Payload.Attachments,
		ReplyContext: env.ReplyContext,
		SessionKey:   env.SessionKey(),
		MessageID:    env.ID,
	}
}

func isGossip(env *envelope.Envelope) bool {
	v, ok := env.Payload.Metadata["gossip"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// loopbackOnly guards the admin API: requests must originate from this
// host.
func loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || !net.ParseIP(host).IsLoopback() {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin api is local only"})
			return
		}
		next(w, r)
	}
}
