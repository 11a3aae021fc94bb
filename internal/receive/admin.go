package receive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/agentmesh/meshd/internal/conversation"
	"github.com/agentmesh/meshd/internal/envelope"
	"github.com/agentmesh/meshd/internal/identity"
	"github.com/agentmesh/meshd/internal/send"
)

// The admin API is the daemon's command surface for the local CLI.
// Loopback only; it performs no token auth beyond that.

func (s *Server) registerAdmin(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/send", loopbackOnly(s.adminSend))
	mux.HandleFunc("POST /admin/broadcast", loopbackOnly(s.adminBroadcast))
	mux.HandleFunc("POST /admin/converse", loopbackOnly(s.adminConverse))
	mux.HandleFunc("POST /admin/followup", loopbackOnly(s.adminFollowUp))
	mux.HandleFunc("GET /admin/conversations", loopbackOnly(s.adminConversations))
	mux.HandleFunc("GET /admin/conversations/search", loopbackOnly(s.adminSearch))
	mux.HandleFunc("GET /admin/conversations/{id}", loopbackOnly(s.adminConversation))
	mux.HandleFunc("POST /admin/conversations/{id}/complete", loopbackOnly(s.transitionHandler(s.convs.Complete)))
	mux.HandleFunc("POST /admin/conversations/{id}/close", loopbackOnly(s.transitionHandler(s.convs.Close)))
	mux.HandleFunc("POST /admin/conversations/{id}/cancel", loopbackOnly(s.transitionHandler(s.convs.Cancel)))
	mux.HandleFunc("POST /admin/conversations/sweep", loopbackOnly(s.adminSweep))
	mux.HandleFunc("GET /admin/conversations/{id}/consensus", loopbackOnly(s.adminConsensus))
	mux.HandleFunc("GET /admin/queue", loopbackOnly(s.adminQueueStatus))
	mux.HandleFunc("POST /admin/queue/drain", loopbackOnly(s.adminQueueDrain))
	mux.HandleFunc("POST /admin/queue/purge", loopbackOnly(s.adminQueuePurge))
	mux.HandleFunc("POST /admin/discover/probe", loopbackOnly(s.adminProbe))
	mux.HandleFunc("POST /admin/discover/elect", loopbackOnly(s.adminElect))
	mux.HandleFunc("POST /admin/discover/gossip", loopbackOnly(s.adminGossip))
	mux.HandleFunc("POST /admin/discover/join", loopbackOnly(s.adminJoin))
	mux.HandleFunc("GET /admin/discover", loopbackOnly(s.adminDiscoverStatus))
	mux.HandleFunc("POST /admin/sessions/send", loopbackOnly(s.adminSessionSend))
	mux.HandleFunc("GET /admin/sessions", loopbackOnly(s.adminSessions))
	mux.HandleFunc("GET /admin/export", loopbackOnly(s.adminExport))
}

// SendRequest is the admin send payload.
type SendRequest struct {
	To            string          `json:"to"`
	Type          string          `json:"type"`
	Subject       string          `json:"subject"`
	Body          string          `json:"body"`
	Priority      string          `json:"priority,omitempty"`
	TTL           int             `json:"ttl,omitempty"`
	Encrypt       bool            `json:"encrypt,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ReplyContext  json.RawMessage `json:"replyContext,omitempty"`
	SessionKey    string          `json:"sessionKey,omitempty"`
	Attachments   []string        `json:"attachments,omitempty"`
	WaitSeconds   int             `json:"waitSeconds,omitempty"`
}

// SendReply is the admin send result, optionally carrying the matched
// response when the caller asked to wait.
type SendReply struct {
	Outcome  send.Outcome       `json:"outcome"`
	Response *envelope.Envelope `json:"response,omitempty"`
}

func (s *Server) adminSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	opts := envelope.BuildOptions{
		Type:          req.Type,
		To:            req.To,
		Subject:       req.Subject,
		Body:          req.Body,
		Priority:      req.Priority,
		TTL:           req.TTL,
		Encrypt:       req.Encrypt,
		CorrelationID: req.CorrelationID,
		ReplyContext:  req.ReplyContext,
	}
	if opts.Type == "" {
		opts.Type = envelope.TypeNotification
	}
	if req.SessionKey != "" {
		opts.Session = &envelope.SessionRef{Key: req.SessionKey}
	}
	if len(req.Attachments) > 0 {
		selfIP := "127.0.0.1"
		if self, ok := s.registry.SelfPeer(); ok {
			selfIP = self.IP
		}
		atts, stop, err := send.PrepareAttachments(req.Attachments, selfIP, s.log)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		defer stopLater(stop, req.WaitSeconds)
		opts.Attachments = atts
	}

	// Register the waiter before handing off so an instant response
	// cannot slip past.
	env, err := s.builder.Build(opts)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if req.WaitSeconds <= 0 || env.Type != envelope.TypeRequest {
		out := s.sender.SendEnvelope(r.Context(), env)
		writeOutcome(w, SendReply{Outcome: out})
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), time.Duration(req.WaitSeconds)*time.Second)
	defer cancel()
	respCh := make(chan *envelope.Envelope, 1)
	go func() {
		if resp, err := s.corr.Wait(waitCtx, env.ID); err == nil {
			respCh <- resp
		} else {
			respCh <- nil
		}
	}()

	out := s.sender.SendEnvelope(r.Context(), env)
	if !out.OK() {
		cancel()
		writeOutcome(w, SendReply{Outcome: out})
		return
	}
	writeOutcome(w, SendReply{Outcome: out, Response: <-respCh})
}

// stopLater defers attachment-server teardown past a synchronous wait
// window; the server's own five-minute lifetime is the hard stop.
func stopLater(stop func(), waitSeconds int) {
	if waitSeconds <= 0 {
		return
	}
	time.AfterFunc(time.Duration(waitSeconds)*time.Second, stop)
}

// BroadcastRequest is the admin broadcast payload.
type BroadcastRequest struct {
	Targets []string `json:"targets"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	TTL     int      `json:"ttl,omitempty"`
}

func (s *Server) adminBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	targets := req.Targets
	if len(targets) == 0 {
		for _, p := range s.registry.Peers() {
			targets = append(targets, p.Name)
		}
	}
	res := s.sender.Broadcast(r.Context(), targets, envelope.BuildOptions{
		Type:    envelope.TypeNotification,
		Subject: req.Subject,
		Body:    req.Body,
		TTL:     req.TTL,
	})
	writeJSON(w, http.StatusOK, res)
}

// ConverseRequest opens a conversation.
type ConverseRequest struct {
	Type         string   `json:"type"`
	Question     string   `json:"question"`
	Participants []string `json:"participants"`
	TTLSeconds   int      `json:"ttlSeconds,omitempty"`
	Ack          bool     `json:"ack,omitempty"`
}

func (s *Server) adminConverse(w http.ResponseWriter, r *http.Request) {
	var req ConverseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = conversation.TypeRally
	}
	participants := req.Participants
	if len(participants) == 0 {
		for _, p := range s.registry.Peers() {
			participants = append(participants, p.Name)
		}
	}
	rec, err := s.convs.Open(r.Context(), req.Type, req.Question, participants, conversation.OpenOptions{
		TTL: time.Duration(req.TTLSeconds) * time.Second,
		Ack: req.Ack,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) adminFollowUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		Question       string `json:"question"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.convs.FollowUp(r.Context(), req.ConversationID, req.Question)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) adminConversations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.convs.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) adminConversation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.convs.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) adminSearch(w http.ResponseWriter, r *http.Request) {
	recs, err := s.convs.Search(r.URL.Query().Get("q"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) transitionHandler(fn func(id, reason string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		decodeOptional(r, &req)
		if err := fn(r.PathValue("id"), req.Reason); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) adminSweep(w http.ResponseWriter, r *http.Request) {
	swept, err := s.convs.TimeoutSweep(s.clock.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swept": swept})
}

func (s *Server) adminConsensus(w http.ResponseWriter, r *http.Request) {
	round := 0
	if v := r.URL.Query().Get("round"); v != "" {
		round, _ = strconv.Atoi(v)
	}
	v, err := s.convs.Consensus(r.PathValue("id"), round)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) adminQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.drainer.Status()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) adminQueueDrain(w http.ResponseWriter, r *http.Request) {
	rep, err := s.drainer.Drain(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) adminQueuePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.drainer.Purge()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) adminProbe(w http.ResponseWriter, r *http.Request) {
	health, err := s.disc.Probe(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) adminElect(w http.ResponseWriter, r *http.Request) {
	rt, err := s.disc.Elect(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) adminGossip(w http.ResponseWriter, r *http.Request) {
	n, err := s.disc.Gossip(r.Context(), s.sender)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"notified": n})
}

// JoinRequest registers or updates a peer in the mesh registry.
type JoinRequest struct {
	Name     string `json:"name"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Token    string `json:"token,omitempty"`
	Role     string `json:"role,omitempty"`
	HookPath string `json:"hookPath,omitempty"`
	Signing  bool   `json:"signing,omitempty"`
}

// adminJoin upserts a peer entry so new nodes can join the mesh without
// editing the registry file by hand.
func (s *Server) adminJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.IP == "" || req.Port <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "join requires name, ip and port"})
		return
	}
	if err := s.registry.Upsert(identity.Peer{
		Name:     req.Name,
		IP:       req.IP,
		Port:     req.Port,
		Token:    req.Token,
		Role:     req.Role,
		HookPath: req.HookPath,
		Signing:  req.Signing,
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.log.Info("peer joined", "peer", req.Name, "addr", req.IP, "port", req.Port)
	writeJSON(w, http.StatusOK, map[string]any{"status": "joined", "peer": req.Name, "peers": len(s.registry.Peers())})
}

func (s *Server) adminDiscoverStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.disc.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) adminSessionSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"sessionKey"`
		Body       string `json:"body"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.sessions.Send(r.Context(), req.SessionKey, req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) adminSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.sessions.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// adminExport bundles the node state for operator inspection.
func (s *Server) adminExport(w http.ResponseWriter, r *http.Request) {
	sum, err := s.collectSummary()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	convs, err := s.convs.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	tail, err := s.audit.Tail(200)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":       sum,
		"conversations": convs,
		"auditTail":     tail,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func decodeOptional(r *http.Request, v any) {
	json.NewDecoder(r.Body).Decode(v)
}

func writeOutcome(w http.ResponseWriter, reply SendReply) {
	code := http.StatusOK
	if !reply.Outcome.OK() {
		code = http.StatusBadGateway
		if reply.Outcome.Kind == send.KindUnknownPeer || reply.Outcome.Kind == send.KindInvalid {
			code = http.StatusBadRequest
		}
	}
	writeJSON(w, code, reply)
}
