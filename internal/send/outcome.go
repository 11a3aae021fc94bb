package send

// Kind classifies the final result of a send operation. Callers map
// kinds to exit codes or HTTP statuses.
type Kind string

const (
	KindOK          Kind = "ok"
	KindRelayed     Kind = "relayed"
	KindUnknownPeer Kind = "unknown_peer"
	KindCircuitOpen Kind = "circuit_open"
	KindTransport   Kind = "transport"
	KindClientError Kind = "client_error"
	KindExpired     Kind = "expired"
	KindInvalid     Kind = "invalid"
)

// Outcome is the single structured result of a send.
type Outcome struct {
	Kind      Kind   `json:"kind"`
	MessageID string `json:"messageId,omitempty"`
	Status    string `json:"status"` // audit status, e.g. "sent", "relayed_via_c", "client_error_404"
	Detail    string `json:"detail,omitempty"`
}

// OK reports whether the message was ultimately delivered (directly or
// via relay).
func (o Outcome) OK() bool {
	return o.Kind == KindOK || o.Kind == KindRelayed
}

// BroadcastResult summarizes a fan-out to multiple targets.
type BroadcastResult struct {
	Sent   []string           `json:"sent"`
	Failed []string           `json:"failed"`
	ByPeer map[string]Outcome `json:"byPeer"`
}
