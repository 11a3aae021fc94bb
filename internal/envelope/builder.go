package envelope

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmesh/meshd/internal/clock"
)

// KeySource resolves shared key material for a peer.
type KeySource interface {
	SigningKey(peer string) ([]byte, error)
	EncryptionKey(peer string) ([]byte, error)
}

// SigningPolicy reports whether envelopes to the named peer must carry
// a signature (the registry's signing flag).
type SigningPolicy interface {
	IsSigning(name string) bool
}

// BuildOptions parameterizes one outbound envelope.
type BuildOptions struct {
	Type            string
	To              string
	Subject         string
	Body            string
	Priority        string
	TTL             int // seconds; 0 means the node default
	CorrelationID   string
	ConversationID  string
	ConversationSeq int
	ParentMessageID string
	ReplyContext    json.RawMessage
	Session         *SessionRef
	IdempotencyKey  string
	Attachments     []Attachment
	Metadata        map[string]any
	Encrypt         bool
}

// Builder assembles, signs and optionally encrypts outbound envelopes.
type Builder struct {
	self       string
	selfIP     string
	selfPort   int
	selfToken  string
	defaultTTL time.Duration
	strictEnc  bool
	keys       KeySource
	signing    SigningPolicy
	clock      clock.Clock
	log        *slog.Logger
}

// NewBuilder creates an envelope builder for this node. The self
// ip/port/token seed replyTo on request envelopes.
func NewBuilder(self, selfIP string, selfPort int, selfToken string, defaultTTL time.Duration, strictEncrypt bool, keys KeySource, signing SigningPolicy, clk clock.Clock, log *slog.Logger) *Builder {
	return &Builder{
		self:       self,
		selfIP:     selfIP,
		selfPort:   selfPort,
		selfToken:  selfToken,
		defaultTTL: defaultTTL,
		strictEnc:  strictEncrypt,
		keys:       keys,
		signing:    signing,
		clock:      clk,
		log:        log,
	}
}

// Build assembles a complete envelope for the target in opts.To.
// Encryption runs before signing so the signature covers the
// ciphertext. Encryption failures fall back to plaintext with a
// warning unless the node is configured strict.
func (b *Builder) Build(opts BuildOptions) (*Envelope, error) {
	if opts.Type == "" || opts.To == "" {
		return nil, fmt.Errorf("build envelope: type and target required")
	}
	if opts.Subject == "" {
		return nil, fmt.Errorf("build envelope: subject required")
	}

	ttl := int(b.defaultTTL / time.Second)
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	e := &Envelope{
		Protocol:        Protocol,
		ID:              NewID(),
		Timestamp:       b.clock.Now().UTC().Format(TimeFormat),
		From:            b.self,
		To:              opts.To,
		Type:            opts.Type,
		CorrelationID:   opts.CorrelationID,
		ConversationID:  opts.ConversationID,
		ConversationSeq: opts.ConversationSeq,
		ParentMessageID: opts.ParentMessageID,
		ReplyContext:    opts.ReplyContext,
		Priority:        priority,
		TTL:             ttl,
		IdempotencyKey:  opts.IdempotencyKey,
		Nonce:           NewNonce(),
		Session:         opts.Session,
		Payload: Payload{
			Subject:     opts.Subject,
			Body:        opts.Body,
			Attachments: opts.Attachments,
			Metadata:    opts.Metadata,
		},
	}

	if opts.Type == TypeRequest {
		e.ReplyTo = &ReplyTo{
			URL:   fmt.Sprintf("http://%s:%d/hooks/%s", b.selfIP, b.selfPort, opts.To),
			Token: b.selfToken,
		}
	}

	if opts.Encrypt {
		if err := b.encrypt(e); err != nil {
			return nil, err
		}
	}

	if b.signing.IsSigning(opts.To) {
		key, err := b.keys.SigningKey(opts.To)
		if err != nil {
			return nil, fmt.Errorf("signing required for %s: %w", opts.To, err)
		}
		if err := Sign(e, key); err != nil {
			return nil, err
		}
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Response builds a response envelope for an inbound request, echoing
// replyContext verbatim and threading ids per protocol.
func (b *Builder) Response(req *Envelope, body string, metadata map[string]any) (*Envelope, error) {
	return b.Build(BuildOptions{
		Type:            TypeResponse,
		To:              req.From,
		Subject:         "Re: " + req.Payload.Subject,
		Body:            body,
		CorrelationID:   req.ID,
		ConversationID:  req.ConversationID,
		ParentMessageID: req.ID,
		ReplyContext:    req.ReplyContext,
		Session:         req.Session,
		Metadata:        metadata,
	})
}

func (b *Builder) encrypt(e *Envelope) error {
	key, err := b.keys.EncryptionKey(e.To)
	if err == nil {
		err = EncryptBody(e, key)
	}
	if err != nil {
		if b.strictEnc {
			return fmt.Errorf("encryption unavailable for %s: %w", e.To, err)
		}
		b.log.Warn("encryption unavailable, sending plaintext", "to", e.To, "error", err)
	}
	return nil
}
