package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/meshd/internal/clock"
	"github.com/agentmesh/meshd/internal/envelope"
	"github.com/agentmesh/meshd/internal/events"
	"github.com/agentmesh/meshd/internal/metrics"
	"github.com/agentmesh/meshd/internal/send"
	"github.com/agentmesh/meshd/internal/store"
)

// Sender fans envelopes out to participants. Implemented by the send
// pipeline.
type Sender interface {
	Send(ctx context.Context, opts envelope.BuildOptions) send.Outcome
}

// replyContext is the context block carried on conversation requests
// and echoed back by responders.
type replyContext struct {
	ConversationID string       `json:"conversationId"`
	Participants   []string     `json:"participants"`
	Round          int          `json:"round"`
	PriorRounds    []PriorRound `json:"priorRounds,omitempty"`
}

// OpenOptions tune conversation creation beyond the per-type defaults.
type OpenOptions struct {
	TTL time.Duration // 0 means the type default
	Ack bool          // broadcast only: request acknowledgements
}

// Engine owns conversation state for this node. All mutations go
// through one mutex so concurrent responses to the same conversation
// serialize cleanly.
type Engine struct {
	mu     sync.Mutex
	self   string
	store  *store.Store
	sender Sender
	clock  clock.Clock
	bus    *events.Bus
	log    *slog.Logger
}

// NewEngine creates a conversation engine.
func NewEngine(self string, st *store.Store, sender Sender, clk clock.Clock, bus *events.Bus, log *slog.Logger) *Engine {
	return &Engine{
		self:   self,
		store:  st,
		sender: sender,
		clock:  clk,
		bus:    bus,
		log:    log,
	}
}

// Open creates a conversation of the given type and fans the question
// out to all participants as round 1. Send failures do not fail the
// conversation; the record tracks who was actually reached.
func (e *Engine) Open(ctx context.Context, typ, question string, participants []string, opts OpenOptions) (*Record, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("conversation needs at least one participant")
	}
	defaults := defaultsFor(typ, opts.Ack)
	ttl := defaults.ttl
	if opts.TTL > 0 {
		ttl = opts.TTL
	}

	now := e.clock.Now().UTC()
	rec := &Record{
		ConversationID:    NewConvID(typ),
		Type:              typ,
		From:              e.self,
		Question:          question,
		Participants:      participants,
		ExpectedResponses: len(participants),
		Status:            StatusPending,
		CreatedAt:         now.Format(envelope.TimeFormat),
		UpdatedAt:         now.Format(envelope.TimeFormat),
		ExpiresAt:         now.Add(ttl).Format(envelope.TimeFormat),
		TTL:               int(ttl / time.Second),
		CurrentRound:      1,
	}
	if defaults.oneWay {
		rec.ExpectedResponses = 0
	}
	rec.Rounds = []Round{{
		Round:             1,
		Question:          question,
		TS:                rec.CreatedAt,
		Status:            RoundActive,
		ExpectedResponses: rec.ExpectedResponses,
	}}
	if !defaults.oneWay {
		rec.Status = StatusActive
	}

	// Persist before fanning out: a fast participant can answer while the
	// remaining sends are still in flight, and OnResponse must find the
	// record.
	e.mu.Lock()
	if err := e.save(rec); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	sent := e.fanOut(ctx, rec, question, defaults, nil)

	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.load(rec.ConversationID)
	if err != nil {
		return nil, err
	}
	alreadyDone := Terminal(rec.Status)
	switch {
	case alreadyDone:
		// Every reached participant answered mid-fan-out; OnResponse has
		// already finished the record.
	case defaults.oneWay:
		rec.Status = StatusComplete
		rec.Rounds[0].Status = RoundComplete
	case sent == 0:
		rec.Status = StatusTimeout
		e.log.Warn("conversation reached nobody", "id", rec.ConversationID)
	case sent < len(participants):
		rec.Status = StatusPartial
		e.reconcileExpected(rec, 1, sent)
	default:
		e.reconcileExpected(rec, 1, sent)
	}

	if !alreadyDone {
		if Terminal(rec.Status) {
			err = e.finish(rec)
		} else {
			err = e.save(rec)
		}
		if err != nil {
			return nil, err
		}
	}
	e.gaugeActive()
	e.log.Info("conversation opened", "id", rec.ConversationID, "type", typ, "participants", len(participants), "sent", sent)
	return rec, nil
}

// reconcileExpected lowers a round's expected count to the number of
// sends that actually landed. Responses that arrived mid-fan-out may
// already satisfy the lowered target, completing the round.
func (e *Engine) reconcileExpected(rec *Record, roundNum, sent int) {
	rec.ExpectedResponses = sent
	for i := range rec.Rounds {
		r := &rec.Rounds[i]
		if r.Round != roundNum || sent >= r.ExpectedResponses {
			continue
		}
		r.ExpectedResponses = sent
		if r.Status == RoundActive && r.ReceivedResponses >= sent {
			r.Status = RoundComplete
		}
	}
	if e.allRoundsSettled(rec) && !Terminal(rec.Status) {
		rec.Status = StatusComplete
		e.bus.Publish(events.Event{Type: events.EventConversationDone, ConversationID: rec.ConversationID})
	}
}

// fanOut sends the question to every participant, returning how many
// sends succeeded. prior carries completed rounds for follow-ups.
func (e *Engine) fanOut(ctx context.Context, rec *Record, question string, defaults typeDefaults, prior []Round) int {
	rcRaw, err := json.Marshal(replyContext{
		ConversationID: rec.ConversationID,
		Participants:   rec.Participants,
		Round:          rec.CurrentRound,
		PriorRounds:    priorRounds(prior),
	})
	if err != nil {
		e.log.Error("marshal replyContext failed", "id", rec.ConversationID, "error", err)
		return 0
	}

	body := defaults.preamble + Digest(prior) + question
	msgType := envelope.TypeRequest
	if defaults.oneWay {
		msgType = envelope.TypeNotification
	}

	sent := 0
	for _, p := range rec.Participants {
		out := e.sender.Send(ctx, envelope.BuildOptions{
			Type:            msgType,
			To:              p,
			Subject:         subjectFor(rec.Type, rec.CurrentRound),
			Body:            body,
			Priority:        defaults.priority,
			TTL:             rec.TTL,
			ConversationID:  rec.ConversationID,
			ConversationSeq: rec.CurrentRound,
			ReplyContext:    rcRaw,
		})
		if out.OK() {
			sent++
		} else {
			e.log.Warn("participant unreachable", "id", rec.ConversationID, "peer", p, "status", out.Status)
		}
	}
	return sent
}

func subjectFor(typ string, round int) string {
	if round > 1 {
		return fmt.Sprintf("Mesh %s round %d", typ, round)
	}
	return "Mesh " + typ
}

// FollowUp supersedes the current round if still open, appends a new
// round carrying the digest of everything so far, and re-fans to the
// same participants. A completed conversation can be reopened this way;
// closed, cancelled and timed-out ones cannot.
func (e *Engine) FollowUp(ctx context.Context, convID, question string) (*Record, error) {
	// Stage the round under the lock, but fan out without it: sends can
	// block on retry backoff and must not stall response handling.
	e.mu.Lock()
	rec, err := e.load(convID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if Terminal(rec.Status) && rec.Status != StatusComplete {
		e.mu.Unlock()
		return nil, fmt.Errorf("conversation %s is %s", convID, rec.Status)
	}
	if rec.Status == StatusComplete {
		if err := e.reopen(convID); err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}

	if cur := rec.ActiveRound(); cur != nil && cur.Status == RoundActive {
		cur.Status = RoundSuperseded
	}
	prior := append([]Round(nil), rec.Rounds...)

	now := e.clock.Now().UTC()
	rec.CurrentRound++
	rec.Rounds = append(rec.Rounds, Round{
		Round:             rec.CurrentRound,
		Question:          question,
		TS:                now.Format(envelope.TimeFormat),
		Status:            RoundActive,
		ExpectedResponses: len(rec.Participants),
	})
	rec.Status = StatusActive
	rec.UpdatedAt = now.Format(envelope.TimeFormat)
	rec.ExpiresAt = now.Add(time.Duration(rec.TTL) * time.Second).Format(envelope.TimeFormat)
	if err := e.save(rec); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	roundNum := rec.CurrentRound
	e.mu.Unlock()

	sent := e.fanOut(ctx, rec, question, defaultsFor(rec.Type, false), prior)

	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err = e.load(convID)
	if err != nil {
		return nil, err
	}
	for i := range rec.Rounds {
		if rec.Rounds[i].Round == roundNum && sent < rec.Rounds[i].ExpectedResponses {
			rec.Rounds[i].ExpectedResponses = sent
			if sent == 0 {
				rec.Rounds[i].Status = RoundComplete
			}
		}
	}
	if err := e.save(rec); err != nil {
		return nil, err
	}
	e.log.Info("follow-up round opened", "id", convID, "round", roundNum, "sent", sent)
	return rec, nil
}

// OnResponse records a participant's answer on the current round.
// Duplicate answers from the same participant are ignored. When the
// round fills up it completes; when the filled round is the latest one
// the conversation completes.
func (e *Engine) OnResponse(convID, from, body string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(convID)
	if err != nil {
		return err
	}
	if Terminal(rec.Status) {
		e.log.Debug("response for terminal conversation ignored", "id", convID, "from", from)
		return nil
	}
	round := rec.ActiveRound()
	if round == nil {
		return fmt.Errorf("conversation %s has no active round", convID)
	}
	for _, r := range round.Responses {
		if r.From == from {
			return nil
		}
	}

	now := e.clock.Now().UTC().Format(envelope.TimeFormat)
	resp := Response{From: from, Body: body, TS: now}
	round.Responses = append(round.Responses, resp)
	round.ReceivedResponses = len(round.Responses)
	rec.Responses = append(rec.Responses, resp)
	rec.ReceivedResponses++
	rec.UpdatedAt = now

	if round.ExpectedResponses > 0 && round.ReceivedResponses >= round.ExpectedResponses {
		round.Status = RoundComplete
		if e.allRoundsSettled(rec) {
			rec.Status = StatusComplete
			e.log.Info("conversation complete", "id", convID, "rounds", len(rec.Rounds))
			e.bus.Publish(events.Event{Type: events.EventConversationDone, ConversationID: convID})
			return e.finish(rec)
		}
	}
	return e.save(rec)
}

func (e *Engine) allRoundsSettled(rec *Record) bool {
	for _, r := range rec.Rounds {
		if r.Status == RoundActive {
			return false
		}
	}
	return true
}

// Complete marks the conversation complete with an operator summary.
func (e *Engine) Complete(convID, summary string) error {
	return e.transition(convID, StatusComplete, func(rec *Record) {
		rec.Summary = summary
	})
}

// Close marks the conversation closed.
func (e *Engine) Close(convID, reason string) error {
	return e.transition(convID, StatusClosed, func(rec *Record) {
		rec.Summary = reason
	})
}

// Cancel marks the conversation cancelled.
func (e *Engine) Cancel(convID, reason string) error {
	return e.transition(convID, StatusCancelled, func(rec *Record) {
		rec.Summary = reason
	})
}

func (e *Engine) transition(convID, status string, mutate func(*Record)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(convID)
	if err != nil {
		return err
	}
	if Terminal(rec.Status) {
		return fmt.Errorf("conversation %s already %s", convID, rec.Status)
	}
	rec.Status = status
	rec.UpdatedAt = e.clock.Now().UTC().Format(envelope.TimeFormat)
	mutate(rec)
	e.log.Info("conversation transition", "id", convID, "status", status)
	return e.finish(rec)
}

// TimeoutSweep expires every non-terminal conversation whose expiry has
// passed. Returns the ids swept.
func (e *Engine) TimeoutSweep(now time.Time) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	blobs, err := e.store.ListConversations()
	if err != nil {
		return nil, err
	}
	var swept []string
	for id, blob := range blobs {
		rec, err := decodeRecord(blob)
		if err != nil {
			e.log.Warn("skipping undecodable conversation", "id", id, "error", err)
			continue
		}
		if Terminal(rec.Status) {
			continue
		}
		exp := rec.ExpiresAtTime()
		if exp.IsZero() || now.Before(exp) {
			continue
		}
		rec.Status = StatusTimeout
		rec.UpdatedAt = now.UTC().Format(envelope.TimeFormat)
		if cur := rec.ActiveRound(); cur != nil && cur.Status == RoundActive {
			cur.Status = RoundComplete
		}
		if err := e.finish(rec); err != nil {
			return swept, err
		}
		swept = append(swept, id)
		e.log.Info("conversation timed out", "id", id)
	}
	return swept, nil
}

// Consensus evaluates agreement for the given round, 0 meaning the
// current round. The verdict is persisted on the round and, for the
// last round, on the conversation.
func (e *Engine) Consensus(convID string, roundNum int) (Verdict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(convID)
	if err != nil {
		return Verdict{}, err
	}
	if roundNum == 0 {
		roundNum = rec.CurrentRound
	}
	var round *Round
	for i := range rec.Rounds {
		if rec.Rounds[i].Round == roundNum {
			round = &rec.Rounds[i]
			break
		}
	}
	if round == nil {
		return Verdict{}, fmt.Errorf("conversation %s has no round %d", convID, roundNum)
	}

	bodies := make([]string, 0, len(round.Responses))
	for _, r := range round.Responses {
		bodies = append(bodies, r.Body)
	}
	v := Evaluate(bodies)
	round.Consensus = &v
	if roundNum == rec.CurrentRound {
		rec.Consensus = &v
	}
	if err := e.save(rec); err != nil {
		return v, err
	}
	return v, nil
}

// Get returns a conversation, looking in the archive when it is no
// longer live.
func (e *Engine) Get(convID string) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(convID)
}

// List returns all live conversations, newest first.
func (e *Engine) List() ([]*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	blobs, err := e.store.ListConversations()
	if err != nil {
		return nil, err
	}
	return sortRecords(blobs), nil
}

// Search scans live and archived conversations for a substring in the
// question or any response body.
func (e *Engine) Search(query string) ([]*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	query = strings.ToLower(query)
	live, err := e.store.ListConversations()
	if err != nil {
		return nil, err
	}
	archived, err := e.store.ListArchivedConversations()
	if err != nil {
		return nil, err
	}

	var hits []*Record
	for _, blobs := range []map[string][]byte{live, archived} {
		for _, rec := range sortRecords(blobs) {
			if matches(rec, query) {
				hits = append(hits, rec)
			}
		}
	}
	return hits, nil
}

func matches(rec *Record, query string) bool {
	if strings.Contains(strings.ToLower(rec.Question), query) {
		return true
	}
	for _, round := range rec.Rounds {
		if strings.Contains(strings.ToLower(round.Question), query) {
			return true
		}
		for _, resp := range round.Responses {
			if strings.Contains(strings.ToLower(resp.Body), query) {
				return true
			}
		}
	}
	return false
}

func sortRecords(blobs map[string][]byte) []*Record {
	out := make([]*Record, 0, len(blobs))
	for _, blob := range blobs {
		if rec, err := decodeRecord(blob); err == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

func (e *Engine) load(convID string) (*Record, error) {
	blob, err := e.store.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		blob, err = e.store.GetArchivedConversation(convID)
		if err != nil {
			return nil, err
		}
	}
	if blob == nil {
		return nil, fmt.Errorf("conversation %s not found", convID)
	}
	return decodeRecord(blob)
}

func (e *Engine) save(rec *Record) error {
	blob, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return e.store.SaveConversation(rec.ConversationID, blob)
}

// reopen moves a completed conversation back out of the archive so the
// live bucket holds the single authoritative copy for the next round.
func (e *Engine) reopen(convID string) error {
	live, err := e.store.GetConversation(convID)
	if err != nil {
		return err
	}
	if live != nil {
		return nil
	}
	return e.store.UnarchiveConversation(convID)
}

// finish saves a now-terminal record and moves it to the archive.
func (e *Engine) finish(rec *Record) error {
	if err := e.save(rec); err != nil {
		return err
	}
	if err := e.store.ArchiveConversation(rec.ConversationID); err != nil {
		return err
	}
	e.gaugeActive()
	return nil
}

func (e *Engine) gaugeActive() {
	if blobs, err := e.store.ListConversations(); err == nil {
		metrics.ConversationsActive.Set(float64(len(blobs)))
	}
}
