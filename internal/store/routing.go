package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PeerHealth is the per-peer probe record maintained by discovery.
type PeerHealth struct {
	IP                  string    `json:"ip"`
	Port                int       `json:"port"`
	LastProbe           time.Time `json:"lastProbe"`
	HTTPCode            int       `json:"httpCode,omitempty"`
	LatencyMs           int64     `json:"latencyMs"`
	Reachable           bool      `json:"reachable"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// MeshHealth summarizes reachability across the fleet.
type MeshHealth struct {
	Up    int `json:"up"`
	Down  int `json:"down"`
	Total int `json:"total"`
}

// RoutingTable is this node's local view of how to reach the mesh.
// Election is purely local; no other node shares this view.
type RoutingTable struct {
	Self         string     `json:"self"`
	Hub          string     `json:"hub,omitempty"`
	Relay        string     `json:"relay,omitempty"`
	MeshHealth   MeshHealth `json:"meshHealth"`
	LastUpdated  time.Time  `json:"lastUpdated"`
	LastElection time.Time  `json:"lastElection,omitzero"`
}

const routingKey = "table"

// PutPeerHealth persists the probe record for a peer.
func (s *Store) PutPeerHealth(peer string, h PeerHealth) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal peer health: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeerHealth).Put([]byte(peer), data)
	})
}

// GetPeerHealth returns the probe record for a peer.
func (s *Store) GetPeerHealth(peer string) (PeerHealth, bool, error) {
	var h PeerHealth
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPeerHealth).Get([]byte(peer))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &h)
	})
	return h, found, err
}

// AllPeerHealth returns every probe record keyed by peer.
func (s *Store) AllPeerHealth() (map[string]PeerHealth, error) {
	out := make(map[string]PeerHealth)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeerHealth).ForEach(func(k, v []byte) error {
			var h PeerHealth
			if err := json.Unmarshal(v, &h); err != nil {
				return nil
			}
			out[string(k)] = h
			return nil
		})
	})
	return out, err
}

// GetRoutingTable returns the persisted routing table.
func (s *Store) GetRoutingTable() (RoutingTable, error) {
	var rt RoutingTable
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRouting).Get([]byte(routingKey))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &rt)
	})
	return rt, err
}

// PutRoutingTable persists the routing table.
func (s *Store) PutRoutingTable(rt RoutingTable) error {
	data, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("marshal routing table: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRouting).Put([]byte(routingKey), data)
	})
}
