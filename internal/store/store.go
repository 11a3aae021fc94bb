// Package store provides the node-local state stores backed by a
// single BoltDB file under the state root. Bolt's exclusive file lock
// and transactions give every store the atomic read-modify-write the
// node relies on across concurrent tasks.
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCircuits     = []byte("circuit_breakers")
	bucketDeadLetters  = []byte("dead_letters")
	bucketPeerHealth   = []byte("peer_health")
	bucketRouting      = []byte("routing_table")
	bucketNonces       = []byte("seen_nonces")
	bucketConvs        = []byte("conversations")
	bucketConvsArchive = []byte("conversations_archive")
	bucketSessions     = []byte("sessions")
	bucketCounters     = []byte("counters")
)

// Store wraps the BoltDB database holding all node state.
type Store struct {
	db       *bolt.DB
	maxQueue int
}

// Open creates or opens the state database at path and ensures all
// required buckets exist. maxQueue caps the dead-letter FIFO.
func Open(path string, maxQueue int) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCircuits, bucketDeadLetters, bucketPeerHealth, bucketRouting, bucketNonces, bucketConvs, bucketConvsArchive, bucketSessions, bucketCounters} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db, maxQueue: maxQueue}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
