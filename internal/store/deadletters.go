package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DeadLetter is an envelope whose delivery failed, persisted for later
// replay by the queue drainer.
type DeadLetter struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	To         string          `json:"to"`
	FailReason string          `json:"failReason"`
	Attempts   int             `json:"attempts"`
	Envelope   json.RawMessage `json:"envelope"`
}

// AppendDeadLetter appends to the dead-letter queue. The queue is a
// bounded FIFO: when full, the oldest entries are dropped to make room.
// Returns the number of entries dropped.
func (s *Store) AppendDeadLetter(dl DeadLetter) (dropped int, err error) {
	data, err := json.Marshal(dl)
	if err != nil {
		return 0, fmt.Errorf("marshal dead letter: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}

		// Enforce the FIFO cap by deleting from the front. Bucket stats
		// lag inside a write transaction, so count with a cursor.
		n := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		for k, _ := c.First(); k != nil && n-dropped > s.maxQueue; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
			dropped++
		}
		return nil
	})
	return dropped, err
}

// ListDeadLetters returns all queued entries in FIFO order.
func (s *Store) ListDeadLetters() ([]DeadLetter, error) {
	var out []DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEach(func(_, v []byte) error {
			var dl DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return nil // skip malformed entries
			}
			out = append(out, dl)
			return nil
		})
	})
	return out, err
}

// RemoveDeadLetter deletes the entry with the given message id.
func (s *Store) RemoveDeadLetter(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dl DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				continue
			}
			if dl.ID == id {
				return b.Delete(k)
			}
		}
		return nil
	})
}

// PurgeExpiredDeadLetters removes entries whose envelope TTL has
// elapsed at now, returning how many were removed.
func (s *Store) PurgeExpiredDeadLetters(now time.Time, defaultTTL time.Duration) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dl DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				continue
			}
			ttl := defaultTTL
			var env struct {
				TTL int `json:"ttl"`
			}
			if json.Unmarshal(dl.Envelope, &env) == nil && env.TTL > 0 {
				ttl = time.Duration(env.TTL) * time.Second
			}
			if now.After(dl.Timestamp.Add(ttl)) {
				if err := b.Delete(k); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	return purged, err
}

// PurgeAllDeadLetters empties the queue, returning how many entries
// were removed.
func (s *Store) PurgeAllDeadLetters() (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// DeadLetterCount returns the current queue depth.
func (s *Store) DeadLetterCount() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDeadLetters).Stats().KeyN
		return nil
	})
	return n, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
