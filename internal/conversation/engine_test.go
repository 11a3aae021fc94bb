package conversation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/meshd/internal/clock"
	"github.com/agentmesh/meshd/internal/envelope"
	"github.com/agentmesh/meshd/internal/events"
	"github.com/agentmesh/meshd/internal/send"
	"github.com/agentmesh/meshd/internal/store"
)

type fakeSender struct {
	sent []envelope.BuildOptions
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, opts envelope.BuildOptions) send.Outcome {
	f.sent = append(f.sent, opts)
	if f.fail[opts.To] {
		return send.Outcome{Kind: send.KindTransport, Status: "failed"}
	}
	return send.Outcome{Kind: send.KindOK, MessageID: envelope.NewID(), Status: "sent"}
}

func newEngine(t *testing.T) (*Engine, *fakeSender, *clock.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mesh.db"), 100)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	sender := &fakeSender{fail: make(map[string]bool)}
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine("alpha", st, sender, clk, events.New(), log), sender, clk
}

func TestOpenRallyFansOut(t *testing.T) {
	eng, sender, _ := newEngine(t)

	rec, err := eng.Open(context.Background(), TypeRally, "What is our QPS?", []string{"beta", "gamma"}, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
	if rec.ExpectedResponses != 2 || rec.CurrentRound != 1 {
		t.Errorf("expected = %d round = %d", rec.ExpectedResponses, rec.CurrentRound)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %d envelopes, want 2", len(sender.sent))
	}
	for _, opts := range sender.sent {
		if opts.Type != envelope.TypeRequest {
			t.Errorf("type = %q, want request", opts.Type)
		}
		var rc struct {
			ConversationID string   `json:"conversationId"`
			Participants   []string `json:"participants"`
			Round          int      `json:"round"`
		}
		if err := json.Unmarshal(opts.ReplyContext, &rc); err != nil {
			t.Fatal(err)
		}
		if rc.ConversationID != rec.ConversationID || rc.Round != 1 || len(rc.Participants) != 2 {
			t.Errorf("replyContext = %+v", rc)
		}
	}
}

func TestRallyCompletesWhenAllRespond(t *testing.T) {
	eng, _, _ := newEngine(t)
	rec, err := eng.Open(context.Background(), TypeRally, "count?", []string{"beta", "gamma"}, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.OnResponse(rec.ConversationID, "beta", "1250"); err != nil {
		t.Fatal(err)
	}
	got, err := eng.Get(rec.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusActive || got.ReceivedResponses != 1 {
		t.Errorf("after first response: status=%q received=%d", got.Status, got.ReceivedResponses)
	}

	if err := eng.OnResponse(rec.ConversationID, "gamma", "1250"); err != nil {
		t.Fatal(err)
	}
	got, err = eng.Get(rec.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusComplete {
		t.Errorf("status = %q, want complete", got.Status)
	}
}

func TestDuplicateResponseIgnored(t *testing.T) {
	eng, _, _ := newEngine(t)
	rec, _ := eng.Open(context.Background(), TypeRally, "count?", []string{"beta", "gamma"}, OpenOptions{})

	eng.OnResponse(rec.ConversationID, "beta", "first")
	eng.OnResponse(rec.ConversationID, "beta", "second")

	got, err := eng.Get(rec.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReceivedResponses != 1 {
		t.Errorf("received = %d, want 1 (duplicate from beta dropped)", got.ReceivedResponses)
	}
	if got.Status == StatusComplete {
		t.Error("conversation completed off a duplicate response")
	}
}

func TestPartialFanOutLowersExpectation(t *testing.T) {
	eng, sender, _ := newEngine(t)
	sender.fail["gamma"] = true

	rec, err := eng.Open(context.Background(), TypeRally, "count?", []string{"beta", "gamma"}, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusPartial {
		t.Errorf("status = %q, want partial", rec.Status)
	}
	if rec.ExpectedResponses != 1 {
		t.Errorf("expected = %d, want 1", rec.ExpectedResponses)
	}

	// The one live participant can still complete the conversation.
	if err := eng.OnResponse(rec.ConversationID, "beta", "42"); err != nil {
		t.Fatal(err)
	}
	got, _ := eng.Get(rec.ConversationID)
	if got.Status != StatusComplete {
		t.Errorf("status = %q, want complete", got.Status)
	}
}

// respondingSender answers every request from inside Send, the way a
// fast participant answers while the remaining fan-out posts are still
// in flight.
type respondingSender struct {
	eng  *Engine
	body string
	errs []error
}

func (r *respondingSender) Send(_ context.Context, opts envelope.BuildOptions) send.Outcome {
	if err := r.eng.OnResponse(opts.ConversationID, opts.To, r.body); err != nil {
		r.errs = append(r.errs, err)
	}
	return send.Outcome{Kind: send.KindOK, MessageID: envelope.NewID(), Status: "sent"}
}

func TestResponsesDuringFanOutAreRecorded(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "mesh.db"), 100)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	responder := &respondingSender{body: "42"}
	eng := NewEngine("alpha", st, responder, clk, events.New(), log)
	responder.eng = eng

	rec, err := eng.Open(context.Background(), TypeRally, "count?", []string{"beta", "gamma"}, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, respErr := range responder.errs {
		t.Errorf("response during fan-out dropped: %v", respErr)
	}

	got, err := eng.Get(rec.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReceivedResponses != 2 {
		t.Errorf("received = %d, want 2", got.ReceivedResponses)
	}
	if got.Status != StatusComplete {
		t.Errorf("status = %q, want complete (all participants answered)", got.Status)
	}
	if rec.Status != StatusComplete {
		t.Errorf("returned record status = %q, want complete", rec.Status)
	}
}

func TestFollowUpReopensCompletedConversation(t *testing.T) {
	eng, sender, _ := newEngine(t)
	rec, _ := eng.Open(context.Background(), TypeRally, "count?", []string{"beta"}, OpenOptions{})
	eng.OnResponse(rec.ConversationID, "beta", "1250")

	got, _ := eng.Get(rec.ConversationID)
	if got.Status != StatusComplete {
		t.Fatalf("status = %q, want complete before follow-up", got.Status)
	}

	sender.sent = nil
	got, err := eng.FollowUp(context.Background(), rec.ConversationID, "and last week?")
	if err != nil {
		t.Fatalf("follow-up on completed conversation: %v", err)
	}
	if got.Status != StatusActive || got.CurrentRound != 2 {
		t.Errorf("status=%q round=%d, want active round 2", got.Status, got.CurrentRound)
	}
	if len(sender.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(sender.sent))
	}

	// Reopening moves the record back out of the archive; a stale copy
	// there would shadow later updates.
	archived, err := eng.store.ListArchivedConversations()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := archived[rec.ConversationID]; ok {
		t.Error("reopened conversation still present in archive")
	}

	eng.OnResponse(rec.ConversationID, "beta", "1190")
	got, _ = eng.Get(rec.ConversationID)
	if got.Status != StatusComplete || got.ReceivedResponses != 2 {
		t.Errorf("after round 2 answer: status=%q received=%d", got.Status, got.ReceivedResponses)
	}
}

func TestFollowUpStillRejectsCancelled(t *testing.T) {
	eng, _, _ := newEngine(t)
	rec, _ := eng.Open(context.Background(), TypeRally, "count?", []string{"beta"}, OpenOptions{})
	eng.Cancel(rec.ConversationID, "abandoned")

	if _, err := eng.FollowUp(context.Background(), rec.ConversationID, "still there?"); err == nil {
		t.Error("follow-up on cancelled conversation succeeded, want error")
	}
}

func TestFollowUpCarriesDigest(t *testing.T) {
	eng, sender, _ := newEngine(t)
	rec, _ := eng.Open(context.Background(), TypeCollab, "plan?", []string{"beta"}, OpenOptions{})
	eng.OnResponse(rec.ConversationID, "beta", "ship tuesday")

	sender.sent = nil
	got, err := eng.FollowUp(context.Background(), rec.ConversationID, "risks?")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentRound != 2 {
		t.Errorf("currentRound = %d, want 2", got.CurrentRound)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sender.sent))
	}
	body := sender.sent[0].Body
	if !strings.Contains(body, "── Round 1 ──") || !strings.Contains(body, "ship tuesday") || !strings.Contains(body, "risks?") {
		t.Errorf("follow-up body missing digest:\n%s", body)
	}
	var rc struct {
		Round       int          `json:"round"`
		PriorRounds []PriorRound `json:"priorRounds"`
	}
	if err := json.Unmarshal(sender.sent[0].ReplyContext, &rc); err != nil {
		t.Fatal(err)
	}
	if rc.Round != 2 || len(rc.PriorRounds) != 1 {
		t.Errorf("replyContext = %+v", rc)
	}
}

func TestBroadcastIsFireAndForget(t *testing.T) {
	eng, sender, _ := newEngine(t)
	rec, err := eng.Open(context.Background(), TypeBroadcast, "maintenance at 9", []string{"beta", "gamma"}, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusComplete {
		t.Errorf("status = %q, want complete", rec.Status)
	}
	for _, opts := range sender.sent {
		if opts.Type != envelope.TypeNotification {
			t.Errorf("broadcast sent %q, want notification", opts.Type)
		}
	}
}

func TestBroadcastWithAckExpectsResponses(t *testing.T) {
	eng, sender, _ := newEngine(t)
	rec, err := eng.Open(context.Background(), TypeBroadcast, "confirm receipt", []string{"beta"}, OpenOptions{Ack: true})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusActive || rec.ExpectedResponses != 1 {
		t.Errorf("status=%q expected=%d, want active/1", rec.Status, rec.ExpectedResponses)
	}
	if sender.sent[0].Type != envelope.TypeRequest {
		t.Errorf("type = %q, want request", sender.sent[0].Type)
	}
}

func TestTimeoutSweep(t *testing.T) {
	eng, _, clk := newEngine(t)
	rec, _ := eng.Open(context.Background(), TypeRally, "count?", []string{"beta"}, OpenOptions{TTL: time.Minute})

	swept, err := eng.TimeoutSweep(clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(swept) != 0 {
		t.Errorf("swept %v before expiry", swept)
	}

	clk.Advance(2 * time.Minute)
	swept, err = eng.TimeoutSweep(clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(swept) != 1 || swept[0] != rec.ConversationID {
		t.Fatalf("swept = %v, want [%s]", swept, rec.ConversationID)
	}
	got, err := eng.Get(rec.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusTimeout {
		t.Errorf("status = %q, want timeout", got.Status)
	}
}

func TestExplicitTransitions(t *testing.T) {
	eng, _, _ := newEngine(t)

	rec, _ := eng.Open(context.Background(), TypeRally, "a?", []string{"beta"}, OpenOptions{})
	if err := eng.Complete(rec.ConversationID, "answered offline"); err != nil {
		t.Fatal(err)
	}
	got, _ := eng.Get(rec.ConversationID)
	if got.Status != StatusComplete || got.Summary != "answered offline" {
		t.Errorf("record = status %q summary %q", got.Status, got.Summary)
	}

	// Terminal conversations refuse further transitions.
	if err := eng.Cancel(rec.ConversationID, "too late"); err == nil {
		t.Error("cancel after complete succeeded, want error")
	}

	rec2, _ := eng.Open(context.Background(), TypeRally, "b?", []string{"beta"}, OpenOptions{})
	if err := eng.Cancel(rec2.ConversationID, "abandoned"); err != nil {
		t.Fatal(err)
	}
	got2, _ := eng.Get(rec2.ConversationID)
	if got2.Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", got2.Status)
	}
}

func TestConsensusPersistedOnRound(t *testing.T) {
	eng, _, _ := newEngine(t)
	rec, _ := eng.Open(context.Background(), TypeOpinion, "revenue?", []string{"beta", "gamma"}, OpenOptions{})
	eng.OnResponse(rec.ConversationID, "beta", "1250")
	eng.OnResponse(rec.ConversationID, "gamma", "1260")

	v, err := eng.Consensus(rec.ConversationID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Verdict != VerdictNearMatch {
		t.Errorf("verdict = %q, want near_match", v.Verdict)
	}
	got, _ := eng.Get(rec.ConversationID)
	if got.Consensus == nil || got.Consensus.Verdict != VerdictNearMatch {
		t.Errorf("persisted consensus = %+v", got.Consensus)
	}
}

func TestSearchSpansArchive(t *testing.T) {
	eng, _, _ := newEngine(t)
	rec, _ := eng.Open(context.Background(), TypeRally, "database migration window?", []string{"beta"}, OpenOptions{})
	eng.OnResponse(rec.ConversationID, "beta", "saturday 2am")

	hits, err := eng.Search("migration")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ConversationID != rec.ConversationID {
		t.Fatalf("hits = %d", len(hits))
	}

	hits, err = eng.Search("saturday")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("response-body search hits = %d, want 1", len(hits))
	}

	hits, _ = eng.Search("nonexistent")
	if len(hits) != 0 {
		t.Errorf("hits = %d, want 0", len(hits))
	}
}
