// Package conversation implements multi-party request/response rounds:
// rally fan-out, follow-up rounds with shared context, response
// tracking, consensus evaluation, and timeout sweeping.
package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/meshd/internal/envelope"
)

// Conversation types.
const (
	TypeRally      = "rally"
	TypeCollab     = "collab"
	TypeEscalation = "escalation"
	TypeBroadcast  = "broadcast"
	TypeOpinion    = "opinion"
	TypeBrainstorm = "brainstorm"
)

// Conversation statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusPartial   = "partial"
	StatusComplete  = "complete"
	StatusTimeout   = "timeout"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
)

// Round statuses.
const (
	RoundActive     = "active"
	RoundComplete   = "complete"
	RoundSuperseded = "superseded"
)

// Response is one participant's answer within a round.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	TS   string `json:"ts"`
}

// Round is one question/answer cycle of a conversation.
type Round struct {
	Round             int        `json:"round"`
	Question          string     `json:"question"`
	TS                string     `json:"ts"`
	Responses         []Response `json:"responses"`
	Status            string     `json:"status"`
	ExpectedResponses int        `json:"expectedResponses"`
	ReceivedResponses int        `json:"receivedResponses"`
	Consensus         *Verdict   `json:"consensus,omitempty"`
}

// Record is the persisted state of one conversation, owned by its
// initiator.
type Record struct {
	ConversationID    string     `json:"conversationId"`
	Type              string     `json:"type"`
	From              string     `json:"from"`
	Question          string     `json:"question"`
	Participants      []string   `json:"participants"`
	ExpectedResponses int        `json:"expectedResponses"`
	ReceivedResponses int        `json:"receivedResponses"`
	Responses         []Response `json:"responses"`
	Rounds            []Round    `json:"rounds"`
	CurrentRound      int        `json:"currentRound"`
	Status            string     `json:"status"`
	CreatedAt         string     `json:"createdAt"`
	UpdatedAt         string     `json:"updatedAt"`
	ExpiresAt         string     `json:"expiresAt"`
	TTL               int        `json:"ttl"`
	Summary           string     `json:"summary,omitempty"`
	Consensus         *Verdict   `json:"consensus,omitempty"`
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusComplete, StatusTimeout, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

// ActiveRound returns the current round, or nil when none exists.
func (r *Record) ActiveRound() *Round {
	for i := range r.Rounds {
		if r.Rounds[i].Round == r.CurrentRound {
			return &r.Rounds[i]
		}
	}
	return nil
}

// ExpiresAtTime parses the expiry timestamp; the zero time means never.
func (r *Record) ExpiresAtTime() time.Time {
	if r.ExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(envelope.TimeFormat, r.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewConvID returns a fresh conversation identifier.
func NewConvID(typ string) string {
	return typ + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func encodeRecord(r *Record) ([]byte, error) { return json.Marshal(r) }

func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// typeDefaults carries the per-type knobs. Conversation types differ
// only in defaults and preamble.
type typeDefaults struct {
	ttl      time.Duration
	priority string
	preamble string
	oneWay   bool // fire-and-forget notification fan-out
}

func defaultsFor(typ string, ack bool) typeDefaults {
	switch typ {
	case TypeCollab:
		return typeDefaults{ttl: 10 * time.Minute, preamble: "This is a multi-turn collaboration; expect follow-up rounds.\n\n"}
	case TypeEscalation:
		return typeDefaults{ttl: 5 * time.Minute, priority: envelope.PriorityHigh, preamble: "Escalation chain: respond or pass along in participant order.\n\n"}
	case TypeBroadcast:
		if ack {
			return typeDefaults{ttl: 2 * time.Minute}
		}
		return typeDefaults{ttl: 5 * time.Minute, oneWay: true}
	case TypeBrainstorm:
		return typeDefaults{ttl: 30 * time.Minute, preamble: "Brainstorm: multiple rounds expected, answer freely.\n\n"}
	default: // rally, opinion
		return typeDefaults{ttl: 5 * time.Minute}
	}
}
