package store

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

// Lifetime counter names.
const (
	CounterReplayed = "totalReplayed"
	CounterSent     = "totalSent"
	CounterReceived = "totalReceived"
)

// IncCounter adds delta to a lifetime counter and returns the new value.
func (s *Store) IncCounter(name string, delta uint64) (uint64, error) {
	var out uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		if v := b.Get([]byte(name)); len(v) == 8 {
			out = binary.BigEndian.Uint64(v)
		}
		out += delta
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, out)
		return b.Put([]byte(name), v)
	})
	return out, err
}

// GetCounter returns the current value of a lifetime counter.
func (s *Store) GetCounter(name string) (uint64, error) {
	var out uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketCounters).Get([]byte(name)); len(v) == 8 {
			out = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return out, err
}
