package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// Circuit is the persisted per-peer breaker record.
type Circuit struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
	OpenUntil   time.Time `json:"openUntil,omitzero"`
}

// GetCircuit returns the breaker record for a peer. A peer with no
// record is reported as a fresh closed circuit.
func (s *Store) GetCircuit(peer string) (Circuit, error) {
	c := Circuit{State: CircuitClosed}
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCircuits).Get([]byte(peer))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &c)
	})
	return c, err
}

// PutCircuit persists the breaker record for a peer.
func (s *Store) PutCircuit(peer string, c Circuit) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal circuit: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCircuits).Put([]byte(peer), data)
	})
}

// MutateCircuit applies fn to the peer's breaker record inside one
// write transaction, so concurrent senders cannot interleave updates.
func (s *Store) MutateCircuit(peer string, fn func(*Circuit)) (Circuit, error) {
	var out Circuit
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCircuits)
		c := Circuit{State: CircuitClosed}
		if v := b.Get([]byte(peer)); v != nil {
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("unmarshal circuit: %w", err)
			}
		}
		fn(&c)
		out = c
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal circuit: %w", err)
		}
		return b.Put([]byte(peer), data)
	})
	return out, err
}

// AllCircuits returns every persisted breaker record keyed by peer.
func (s *Store) AllCircuits() (map[string]Circuit, error) {
	out := make(map[string]Circuit)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCircuits).ForEach(func(k, v []byte) error {
			var c Circuit
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // skip malformed records
			}
			out[string(k)] = c
			return nil
		})
	})
	return out, err
}
