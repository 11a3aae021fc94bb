// Package envelope defines the on-wire unit for inter-agent messages:
// building and signing outbound envelopes, and validating inbound ones
// (TTL, signature, replay).
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol is the wire protocol tag stamped on every envelope.
const Protocol = "mesh/3.0"

// Message types.
const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeNotification = "notification"
	TypeAlert        = "alert"
	TypeAck          = "ack"
)

// Priorities.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// TimeFormat is the millisecond ISO-8601 UTC timestamp format used on
// the wire.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// ReplyTo tells the receiver where to POST the response.
type ReplyTo struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// SessionRef ties an envelope to a durable session for traceability.
type SessionRef struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
	User  string `json:"user,omitempty"`
}

// RelayHint marks an envelope forwarded through an intermediary.
type RelayHint struct {
	From       string `json:"from"`
	Via        string `json:"via"`
	OriginalTo string `json:"originalTo"`
}

// Attachment kinds.
const (
	AttachURL    = "url"
	AttachInline = "inline"
	AttachPath   = "path"
)

// Attachment is one payload attachment: a URL reference, inline base64
// data, or a local path.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Data     string `json:"data,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Payload carries the business content of a message.
type Payload struct {
	Subject     string         `json:"subject"`
	Body        string         `json:"body,omitempty"`
	Encrypted   bool           `json:"encrypted,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Envelope is the on-wire message unit.
//
// ReplyContext is opaque: the receiver echoes it byte-for-byte on the
// response, which is why it is kept as raw JSON rather than a struct.
type Envelope struct {
	Protocol        string          `json:"protocol"`
	ID              string          `json:"id"`
	Timestamp       string          `json:"timestamp"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	Type            string          `json:"type"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	ConversationID  string          `json:"conversationId,omitempty"`
	ConversationSeq int             `json:"conversationSeq,omitempty"`
	ParentMessageID string          `json:"parentMessageId,omitempty"`
	ReplyTo         *ReplyTo        `json:"replyTo,omitempty"`
	ReplyContext    json.RawMessage `json:"replyContext,omitempty"`
	Priority        string          `json:"priority,omitempty"`
	TTL             int             `json:"ttl,omitempty"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	Nonce           string          `json:"nonce,omitempty"`
	Signature       string          `json:"signature,omitempty"`
	Session         *SessionRef     `json:"session,omitempty"`
	Relay           *RelayHint      `json:"relay,omitempty"`
	Payload         Payload         `json:"payload"`
}

// NewID returns a fresh message identifier.
func NewID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewNonce returns a fresh per-message replay-protection token.
func NewNonce() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// SentAt parses the envelope timestamp. Falls back to RFC3339 so
// foreign senders with second precision still interoperate.
func (e *Envelope) SentAt() (time.Time, error) {
	if t, err := time.Parse(TimeFormat, e.Timestamp); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", e.Timestamp, err)
	}
	return t, nil
}

// TTLOrDefault returns the envelope TTL in seconds, defaulting when unset.
func (e *Envelope) TTLOrDefault(def time.Duration) time.Duration {
	if e.TTL > 0 {
		return time.Duration(e.TTL) * time.Second
	}
	return def
}

// Expired reports whether the envelope has outlived its TTL at now.
func (e *Envelope) Expired(now time.Time, defaultTTL time.Duration) bool {
	sent, err := e.SentAt()
	if err != nil {
		return false // unparseable timestamps are handled by validation elsewhere
	}
	return now.After(sent.Add(e.TTLOrDefault(defaultTTL)))
}

// SessionKey returns the session key attached to the envelope, looking
// at the session block first and then at replyContext.sessionKey.
func (e *Envelope) SessionKey() string {
	if e.Session != nil && e.Session.Key != "" {
		return e.Session.Key
	}
	var rc struct {
		SessionKey string `json:"sessionKey"`
	}
	if len(e.ReplyContext) > 0 && json.Unmarshal(e.ReplyContext, &rc) == nil {
		return rc.SessionKey
	}
	return ""
}

// Encode serializes the envelope with the package's one canonical
// encoder. Signing and verification both go through this function.
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope from wire bytes.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// IsMesh reports whether raw wire bytes look like a mesh envelope.
// Non-mesh bodies pass through to the host runtime unchanged.
func IsMesh(e *Envelope) bool {
	return strings.HasPrefix(e.Protocol, "mesh/")
}

// Validate checks the structural invariants that every envelope must
// satisfy regardless of direction.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("envelope missing id")
	case e.From == "":
		return fmt.Errorf("envelope missing from")
	case e.To == "":
		return fmt.Errorf("envelope missing to")
	case e.Type == "":
		return fmt.Errorf("envelope missing type")
	case e.Timestamp == "":
		return fmt.Errorf("envelope missing timestamp")
	case e.Payload.Subject == "":
		return fmt.Errorf("envelope missing payload.subject")
	}
	switch e.Type {
	case TypeRequest:
		if e.ReplyTo == nil || e.ReplyTo.URL == "" {
			return fmt.Errorf("request %s missing replyTo", e.ID)
		}
	case TypeResponse:
		if e.CorrelationID == "" {
			return fmt.Errorf("response %s missing correlationId", e.ID)
		}
	}
	return nil
}
