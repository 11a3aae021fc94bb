package store

import (
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SeenNonce reports whether the nonce has been recorded.
func (s *Store) SeenNonce(nonce string) (bool, error) {
	var seen bool
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(bucketNonces).Get([]byte(nonce)) != nil
		return nil
	})
	return seen, err
}

// RecordNonce stores a nonce with its arrival time so the trimmer can
// age it out later.
func (s *Store) RecordNonce(nonce string, at time.Time) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(at.UnixMilli()))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNonces).Put([]byte(nonce), v)
	})
}

// TrimNonces removes nonces that arrived before cutoff, returning how
// many were removed. Called periodically with cutoff = now - 2x the
// replay window.
func (s *Store) TrimNonces(cutoff time.Time) (int, error) {
	limit := uint64(cutoff.UnixMilli())
	trimmed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) == 8 && binary.BigEndian.Uint64(v) < limit {
				if err := b.Delete(k); err != nil {
					return err
				}
				trimmed++
			}
		}
		return nil
	})
	return trimmed, err
}

// NonceCount returns the number of recorded nonces.
func (s *Store) NonceCount() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketNonces).Stats().KeyN
		return nil
	})
	return n, err
}
