// Package events provides a fan-out pub/sub bus for mesh node events.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of mesh event.
type EventType string

const (
	EventMessageSent      EventType = "message_sent"
	EventMessageFailed    EventType = "message_failed"
	EventMessageReceived  EventType = "message_received"
	EventMessageRejected  EventType = "message_rejected"
	EventCircuitOpen      EventType = "circuit_open"
	EventRelayElected     EventType = "relay_elected"
	EventQueueReplayed    EventType = "queue_replayed"
	EventConversationDone EventType = "conversation_done"
)

// Event is a single mesh event published through the bus.
type Event struct {
	Type           EventType `json:"type"`
	Peer           string    `json:"peer,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Message        string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Slow subscribers that fall behind
// have events dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish sends an event to all current subscribers. If a subscriber's
// buffer is full the event is dropped for that subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must
// be called to release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
