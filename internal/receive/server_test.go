package receive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/meshd/internal/audit"
	"github.com/agentmesh/meshd/internal/circuit"
	"github.com/agentmesh/meshd/internal/clock"
	"github.com/agentmesh/meshd/internal/conversation"
	"github.com/agentmesh/meshd/internal/discovery"
	"github.com/agentmesh/meshd/internal/envelope"
	"github.com/agentmesh/meshd/internal/events"
	"github.com/agentmesh/meshd/internal/identity"
	"github.com/agentmesh/meshd/internal/keys"
	"github.com/agentmesh/meshd/internal/queue"
	"github.com/agentmesh/meshd/internal/send"
	"github.com/agentmesh/meshd/internal/session"
	"github.com/agentmesh/meshd/internal/store"
	"github.com/agentmesh/meshd/internal/transport"
)

const selfToken = "tok-alpha"

type node struct {
	server   *Server
	registry *identity.Registry
	store    *store.Store
	keys     *keys.Store
	builder  *envelope.Builder
	sender   *send.Sender
	clock    *clock.Fake
	audit    *audit.Log
	handler  *recordingHandler
	srv      *httptest.Server
}

type recordingHandler struct {
	mu    sync.Mutex
	reqs  []Request
	reply string
}

func (h *recordingHandler) Handle(_ context.Context, req Request) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, req)
	return h.reply, nil
}

func (h *recordingHandler) requests() []Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Request(nil), h.reqs...)
}

// newNode assembles a full node named "alpha" behind an httptest
// server, registered in its own registry so auth works.
func newNode(t *testing.T) *node {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "identity"), []byte("alpha"), 0600); err != nil {
		t.Fatal(err)
	}
	reg, err := identity.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(dir, "mesh.db"), 100)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	auditLog, err := audit.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ks := keys.NewStore(dir)
	bus := events.New()
	client := transport.New(time.Second, 3*time.Second)
	breaker := circuit.New(st, clk, 3, time.Minute, log)
	builder := envelope.NewBuilder("alpha", "127.0.0.1", 8900, selfToken, 5*time.Minute, false, ks, reg, clk, log)
	sender := send.New(reg, breaker, st, auditLog, builder, client, ks, clk, bus, send.RetryPolicy{Delays: []time.Duration{0}}, 5*time.Minute, 0, log)
	convs := conversation.NewEngine("alpha", st, sender, clk, bus, log)
	sessions := session.NewRouter("alpha", st, sender, clk, 24*time.Hour, log)
	sender.SetSessionRecorder(sessions)
	drainer := queue.New(st, reg, sender, nil, clk, bus, 5*time.Minute, log)
	disc := discovery.New(reg, st, client, nil, clk, bus, log)
	validator := envelope.NewValidator(ks, reg, st, clk, 5*time.Minute, 5*time.Minute, time.Minute, false)

	handler := &recordingHandler{reply: "handled"}
	server := NewServer(Options{
		Registry:       reg,
		Validator:      validator,
		Builder:        builder,
		Sender:         sender,
		Client:         client,
		Conversations:  convs,
		Sessions:       sessions,
		Drainer:        drainer,
		Discovery:      disc,
		Audit:          auditLog,
		Store:          st,
		Keys:           ks,
		Handler:        handler,
		HandlerTimeout: 5 * time.Second,
		Clock:          clk,
		Bus:            bus,
		Log:            log,
	})

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	// Register self so inbound auth has a token to check.
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	if err := reg.Upsert(identity.Peer{Name: "alpha", IP: u.Hostname(), Port: port, Token: selfToken}); err != nil {
		t.Fatal(err)
	}

	return &node{
		server:   server,
		registry: reg,
		store:    st,
		keys:     ks,
		builder:  builder,
		sender:   sender,
		clock:    clk,
		audit:    auditLog,
		handler:  handler,
		srv:      srv,
	}
}

// peerEnvelope builds an envelope from a remote peer "beta" without
// going through alpha's builder.
func peerEnvelope(clk *clock.Fake, typ, subject, body string) *envelope.Envelope {
	return &envelope.Envelope{
		Protocol:  envelope.Protocol,
		ID:        envelope.NewID(),
		Timestamp: clk.Now().UTC().Format(envelope.TimeFormat),
		From:      "beta",
		To:        "alpha",
		Type:      typ,
		Priority:  envelope.PriorityNormal,
		TTL:       300,
		Nonce:     envelope.NewNonce(),
		Payload:   envelope.Payload{Subject: subject, Body: body},
	}
}

func postEnvelope(t *testing.T, n *node, env *envelope.Envelope, sessionKey string) *http.Response {
	t.Helper()
	raw, err := envelope.Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(map[string]string{"message": string(raw), "sessionKey": sessionKey})
	req, _ := http.NewRequest(http.MethodPost, n.srv.URL+"/hooks/beta", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+selfToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHookAcceptsNotification(t *testing.T) {
	n := newNode(t)
	env := peerEnvelope(n.clock, envelope.TypeNotification, "deploy done", "v2 live")

	resp := postEnvelope(t, n, env, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := n.server.inbox.Len(); got != 1 {
		t.Errorf("inbox = %d, want 1", got)
	}
	entries, _ := n.audit.Tail(10)
	if len(entries) != 1 || entries[0].Status != "received" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestHookRejectsBadToken(t *testing.T) {
	n := newNode(t)
	env := peerEnvelope(n.clock, envelope.TypeNotification, "x", "y")
	raw, _ := envelope.Encode(env)
	body, _ := json.Marshal(map[string]string{"message": string(raw)})
	req, _ := http.NewRequest(http.MethodPost, n.srv.URL+"/hooks/beta", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

// Self is registered after NewServer in newNode, so this doubles as
// coverage that the hook reads the token from the live registry rather
// than a snapshot taken at construction.
func TestHookTokenRotationTakesEffect(t *testing.T) {
	n := newNode(t)
	self, _ := n.registry.SelfPeer()
	self.Name = "alpha"
	self.Token = "tok-rotated"
	if err := n.registry.Upsert(self); err != nil {
		t.Fatal(err)
	}

	env := peerEnvelope(n.clock, envelope.TypeNotification, "x", "y")
	raw, _ := envelope.Encode(env)
	body, _ := json.Marshal(map[string]string{"message": string(raw)})

	req, _ := http.NewRequest(http.MethodPost, n.srv.URL+"/hooks/beta", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+selfToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old token status = %d, want 401 after rotation", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, n.srv.URL+"/hooks/beta", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-rotated")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotated token status = %d, want 200", resp.StatusCode)
	}
}

func TestHookRejectsExpired(t *testing.T) {
	n := newNode(t)
	env := peerEnvelope(n.clock, envelope.TypeNotification, "stale", "old")
	n.clock.Advance(10 * time.Minute)

	resp := postEnvelope(t, n, env, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	entries, _ := n.audit.Tail(10)
	if len(entries) != 1 || entries[0].Status != "rejected_expired" {
		t.Errorf("audit = %+v", entries)
	}
	if n.server.inbox.Len() != 0 {
		t.Error("expired envelope reached the inbox")
	}
}

func TestHookDuplicateNonceIdempotent(t *testing.T) {
	n := newNode(t)
	env := peerEnvelope(n.clock, envelope.TypeNotification, "once", "only")

	first := postEnvelope(t, n, env, "")
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}
	second := postEnvelope(t, n, env, "")
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second status = %d, want 200 (idempotent ack)", second.StatusCode)
	}
	var reply struct {
		Status string `json:"status"`
	}
	json.NewDecoder(second.Body).Decode(&reply)
	if reply.Status != "duplicate" {
		t.Errorf("second reply status = %q, want duplicate", reply.Status)
	}
	if got := n.server.inbox.Len(); got != 1 {
		t.Errorf("inbox = %d, want 1 (no re-dispatch)", got)
	}
}

func TestHookRejectsBadSignature(t *testing.T) {
	n := newNode(t)
	key, _ := keys.Generate()
	if err := n.keys.StoreSigningKey("beta", key); err != nil {
		t.Fatal(err)
	}
	if err := n.registry.Upsert(identity.Peer{Name: "beta", IP: "127.0.0.1", Port: 1, Token: "t", Signing: true}); err != nil {
		t.Fatal(err)
	}

	env := peerEnvelope(n.clock, envelope.TypeNotification, "signed", "body")
	if err := envelope.Sign(env, key); err != nil {
		t.Fatal(err)
	}
	env.Payload.Body = "tampered"

	resp := postEnvelope(t, n, env, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	entries, _ := n.audit.Tail(10)
	if entries[len(entries)-1].Status != "rejected_bad_sig" {
		t.Errorf("audit status = %q", entries[len(entries)-1].Status)
	}
}

func TestHookRejectsUnsignedFromSigningPeer(t *testing.T) {
	n := newNode(t)
	if err := n.registry.Upsert(identity.Peer{Name: "beta", IP: "127.0.0.1", Port: 1, Token: "t", Signing: true}); err != nil {
		t.Fatal(err)
	}
	env := peerEnvelope(n.clock, envelope.TypeNotification, "unsigned", "body")

	resp := postEnvelope(t, n, env, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRequestDispatchAndResponse(t *testing.T) {
	n := newNode(t)

	// beta's own node receives the response.
	var mu sync.Mutex
	var betaGot *envelope.Envelope
	betaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		env, err := envelope.Decode([]byte(body.Message))
		if err == nil {
			mu.Lock()
			betaGot = env
			mu.Unlock()
		}
	}))
	defer betaSrv.Close()
	u, _ := url.Parse(betaSrv.URL)
	port, _ := strconv.Atoi(u.Port())
	if err := n.registry.Upsert(identity.Peer{Name: "beta", IP: u.Hostname(), Port: port, Token: "tok-beta"}); err != nil {
		t.Fatal(err)
	}

	env := peerEnvelope(n.clock, envelope.TypeRequest, "what is 2+2", "please compute")
	env.ReplyTo = &envelope.ReplyTo{URL: betaSrv.URL + "/hooks/alpha", Token: "tok-beta"}
	env.ReplyContext = json.RawMessage(`{"trace":"xyz"}`)
	n.handler.reply = "4"

	resp := postEnvelope(t, n, env, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return betaGot != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if betaGot.Type != envelope.TypeResponse {
		t.Errorf("type = %q, want response", betaGot.Type)
	}
	if betaGot.CorrelationID != env.ID {
		t.Errorf("correlationId = %q, want %q", betaGot.CorrelationID, env.ID)
	}
	if betaGot.Payload.Body != "4" {
		t.Errorf("body = %q, want 4", betaGot.Payload.Body)
	}
	if string(betaGot.ReplyContext) != `{"trace":"xyz"}` {
		t.Errorf("replyContext = %s, want byte-equal echo", betaGot.ReplyContext)
	}

	reqs := n.handler.requests()
	if len(reqs) != 1 || reqs[0].Subject != "what is 2+2" || reqs[0].From != "beta" {
		t.Errorf("handler requests = %+v", reqs)
	}
}

func TestResponseFiresWaiterAndConversation(t *testing.T) {
	n := newNode(t)

	// Open a conversation so the response has somewhere to land. The
	// fan-out target just needs to accept the POST.
	betaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer betaSrv.Close()
	u, _ := url.Parse(betaSrv.URL)
	port, _ := strconv.Atoi(u.Port())
	if err := n.registry.Upsert(identity.Peer{Name: "beta", IP: u.Hostname(), Port: port, Token: "t"}); err != nil {
		t.Fatal(err)
	}
	rec, err := n.server.convs.Open(context.Background(), conversation.TypeRally, "count?", []string{"beta"}, conversation.OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != conversation.StatusActive {
		t.Fatalf("conversation status = %q, want active", rec.Status)
	}

	env := peerEnvelope(n.clock, envelope.TypeResponse, "Re: count?", "1250")
	env.CorrelationID = "msg_original"
	env.ConversationID = rec.ConversationID

	done := make(chan *envelope.Envelope, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		got, err := n.server.Correlations().Wait(ctx, "msg_original")
		if err == nil {
			done <- got
		}
	}()
	time.Sleep(50 * time.Millisecond) // let the waiter register

	resp := postEnvelope(t, n, env, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case got := <-done:
		if got.Payload.Body != "1250" {
			t.Errorf("waiter got body %q", got.Payload.Body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never fired")
	}

	conv, err := n.server.convs.Get(rec.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.ReceivedResponses != 1 {
		t.Errorf("conversation received = %d, want 1", conv.ReceivedResponses)
	}
}

func TestBareMessagePassthrough(t *testing.T) {
	n := newNode(t)
	req, _ := http.NewRequest(http.MethodPost, n.srv.URL+"/hooks/beta", bytes.NewReader([]byte("just some text")))
	req.Header.Set("Authorization", "Bearer "+selfToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	waitFor(t, func() bool { return len(n.handler.requests()) == 1 })
	if got := n.handler.requests()[0]; got.Body != "just some text" || got.Type != "bare" {
		t.Errorf("handler got %+v", got)
	}
}

func TestRelayForward(t *testing.T) {
	n := newNode(t)

	var mu sync.Mutex
	var gammaGot *envelope.Envelope
	gammaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if env, err := envelope.Decode([]byte(body.Message)); err == nil {
			mu.Lock()
			gammaGot = env
			mu.Unlock()
		}
	}))
	defer gammaSrv.Close()
	u, _ := url.Parse(gammaSrv.URL)
	port, _ := strconv.Atoi(u.Port())
	if err := n.registry.Upsert(identity.Peer{Name: "gamma", IP: u.Hostname(), Port: port, Token: "tok-gamma"}); err != nil {
		t.Fatal(err)
	}

	env := peerEnvelope(n.clock, envelope.TypeNotification, "via alpha", "hello gamma")
	env.To = "gamma"
	env.Relay = &envelope.RelayHint{From: "beta", Via: "alpha", OriginalTo: "gamma"}

	resp := postEnvelope(t, n, env, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if gammaGot == nil {
		t.Fatal("envelope never forwarded to gamma")
	}
	if gammaGot.Relay == nil || gammaGot.Relay.Via != "alpha" {
		t.Errorf("forwarded relay hint = %+v", gammaGot.Relay)
	}
}

func TestSessionKeyUpdatesRouter(t *testing.T) {
	n := newNode(t)
	env := peerEnvelope(n.clock, envelope.TypeNotification, "chat", "hi alpha")
	env.Session = &envelope.SessionRef{Key: "standup"}

	if resp := postEnvelope(t, n, env, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rec, err := n.server.sessions.Get("standup")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Messages) != 1 || rec.Messages[0].Body != "hi alpha" {
		t.Errorf("session messages = %+v", rec.Messages)
	}
}

func TestStatusHealthAndInbox(t *testing.T) {
	n := newNode(t)
	postEnvelope(t, n, peerEnvelope(n.clock, envelope.TypeNotification, "a", "1"), "")

	resp, err := http.Get(n.srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/api/status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(n.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var health struct {
		Agent string `json:"agent"`
		Inbox int    `json:"inbox"`
	}
	json.NewDecoder(resp2.Body).Decode(&health)
	if health.Agent != "alpha" || health.Inbox != 1 {
		t.Errorf("health = %+v", health)
	}

	resp3, err := http.Get(n.srv.URL + "/inbox")
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	var inbox struct {
		Count int `json:"count"`
	}
	json.NewDecoder(resp3.Body).Decode(&inbox)
	if inbox.Count != 1 {
		t.Errorf("inbox count = %d, want 1", inbox.Count)
	}
}

func TestAdminJoinRegistersPeer(t *testing.T) {
	n := newNode(t)

	body, _ := json.Marshal(JoinRequest{Name: "delta", IP: "10.0.0.9", Port: 8902, Token: "tok-delta", Role: "relay"})
	resp, err := http.Post(n.srv.URL+"/admin/discover/join", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	peer, err := n.registry.Peer("delta")
	if err != nil {
		t.Fatalf("joined peer not in registry: %v", err)
	}
	if peer.IP != "10.0.0.9" || peer.Port != 8902 || peer.Role != "relay" {
		t.Errorf("peer = %+v", peer)
	}
}

func TestAdminJoinRequiresAddress(t *testing.T) {
	n := newNode(t)
	body, _ := json.Marshal(JoinRequest{Name: "delta"})
	resp, err := http.Post(n.srv.URL+"/admin/discover/join", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	n := newNode(t)
	postEnvelope(t, n, peerEnvelope(n.clock, envelope.TypeNotification, "a", "1"), "")

	resp, err := http.Get(n.srv.URL + "/api/mesh/summary")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var sum Summary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatal(err)
	}
	if sum.Agent != "alpha" || sum.Received != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
