package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Conversation and session records are owned by their packages; the
// store keeps them as opaque JSON blobs so the schema lives in one
// place.

// SaveConversation persists a conversation record.
func (s *Store) SaveConversation(id string, data []byte) error {
	return s.putBlob(bucketConvs, id, data)
}

// GetConversation returns a conversation record, or nil if absent.
func (s *Store) GetConversation(id string) ([]byte, error) {
	return s.getBlob(bucketConvs, id)
}

// ListConversations returns all live conversation records keyed by id.
func (s *Store) ListConversations() (map[string][]byte, error) {
	return s.listBlobs(bucketConvs)
}

// ArchiveConversation moves a conversation record into the archive
// bucket in one transaction.
func (s *Store) ArchiveConversation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		live := tx.Bucket(bucketConvs)
		v := live.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("conversation %s not found", id)
		}
		if err := tx.Bucket(bucketConvsArchive).Put([]byte(id), v); err != nil {
			return err
		}
		return live.Delete([]byte(id))
	})
}

// UnarchiveConversation moves an archived record back into the live
// bucket in one transaction, so a reopened conversation never exists in
// both.
func (s *Store) UnarchiveConversation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		archive := tx.Bucket(bucketConvsArchive)
		v := archive.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("archived conversation %s not found", id)
		}
		if err := tx.Bucket(bucketConvs).Put([]byte(id), v); err != nil {
			return err
		}
		return archive.Delete([]byte(id))
	})
}

// GetArchivedConversation returns an archived record, or nil if absent.
func (s *Store) GetArchivedConversation(id string) ([]byte, error) {
	return s.getBlob(bucketConvsArchive, id)
}

// ListArchivedConversations returns all archived records keyed by id.
func (s *Store) ListArchivedConversations() (map[string][]byte, error) {
	return s.listBlobs(bucketConvsArchive)
}

// SaveSession persists a session record under its sanitized key.
func (s *Store) SaveSession(key string, data []byte) error {
	return s.putBlob(bucketSessions, key, data)
}

// GetSession returns a session record, or nil if absent.
func (s *Store) GetSession(key string) ([]byte, error) {
	return s.getBlob(bucketSessions, key)
}

// ListSessions returns all session records keyed by session key.
func (s *Store) ListSessions() (map[string][]byte, error) {
	return s.listBlobs(bucketSessions)
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(key))
	})
}

func (s *Store) putBlob(bucket []byte, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) getBlob(bucket []byte, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, err
}

func (s *Store) listBlobs(bucket []byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			out[string(k)] = data
			return nil
		})
	})
	return out, err
}
