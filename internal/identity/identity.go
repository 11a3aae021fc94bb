// Package identity owns the peer registry and this node's own identity.
//
// The registry is a JSON file mapping agent names to their network
// coordinates. Writes are atomic (temp file + rename) and the file is
// tightened to owner-only permissions afterwards, since it carries
// bearer tokens.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Peer roles in the mesh.
const (
	RoleHub   = "hub"
	RoleRelay = "relay"
	RolePeer  = "peer"
)

// Peer is one registry entry.
type Peer struct {
	Name     string `json:"-"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Token    string `json:"token"`
	Role     string `json:"role,omitempty"`
	HookPath string `json:"hookPath,omitempty"`
	Signing  bool   `json:"signing,omitempty"`
}

// BaseURL returns the peer's http root, e.g. "http://10.0.0.2:8900".
func (p Peer) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", p.IP, p.Port)
}

// HookURL returns the absolute URL of the peer's hook for messages from
// the named sender. If the registry pins an explicit hookPath it wins.
func (p Peer) HookURL(sender string) string {
	if p.HookPath != "" {
		return p.BaseURL() + p.HookPath
	}
	return p.BaseURL() + "/hooks/" + sender
}

// AgentHookURL returns the peer's generic session-routing endpoint.
func (p Peer) AgentHookURL() string {
	return p.BaseURL() + "/hooks/agent"
}

// ErrUnknownPeer is returned when a target agent is absent from the registry.
type ErrUnknownPeer struct{ Name string }

func (e ErrUnknownPeer) Error() string { return "unknown peer: " + e.Name }

// registryFile is the on-disk shape of the agent registry.
type registryFile struct {
	Agents map[string]Peer `json:"agents"`
}

// Registry is the local peer directory plus this node's identity.
type Registry struct {
	mu    sync.RWMutex
	self  string
	peers map[string]Peer
	path  string
}

// Load reads the identity file and agent registry from configDir.
// A missing registry file yields an empty (but usable) registry.
func Load(configDir string) (*Registry, error) {
	idPath := filepath.Join(configDir, "identity")
	raw, err := os.ReadFile(idPath)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	self := strings.TrimSpace(string(raw))
	if self == "" {
		return nil, fmt.Errorf("identity file %s is empty", idPath)
	}

	r := &Registry{
		self:  self,
		peers: make(map[string]Peer),
		path:  filepath.Join(configDir, "agent-registry.json"),
	}

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	for name, p := range file.Agents {
		p.Name = name
		r.peers[name] = p
	}
	return r, nil
}

// Self returns this node's agent name.
func (r *Registry) Self() string { return r.self }

// SelfPeer returns this node's own registry entry, if present.
func (r *Registry) SelfPeer() (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[r.self]
	return p, ok
}

// Peer looks up a registry entry by agent name.
func (r *Registry) Peer(name string) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[name]
	if !ok {
		return Peer{}, ErrUnknownPeer{Name: name}
	}
	return p, nil
}

// Peers returns all registry entries except self, sorted by name.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for name, p := range r.peers {
		if name == r.self {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsSigning reports whether sends to the named peer must be signed.
func (r *Registry) IsSigning(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[name].Signing
}

// Hub returns the designated hub: the entry with role "hub", or the
// lexically first non-self peer when no hub is declared.
func (r *Registry) Hub() (Peer, bool) {
	peers := r.Peers()
	for _, p := range peers {
		if p.Role == RoleHub {
			return p, true
		}
	}
	if len(peers) > 0 {
		return peers[0], true
	}
	return Peer{}, false
}

// Upsert adds or replaces a registry entry and persists the registry.
func (r *Registry) Upsert(p Peer) error {
	if p.Name == "" {
		return fmt.Errorf("peer name required")
	}
	r.mu.Lock()
	r.peers[p.Name] = p
	r.mu.Unlock()
	return r.save()
}

// Remove deletes a registry entry and persists the registry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	delete(r.peers, name)
	r.mu.Unlock()
	return r.save()
}

// save writes the registry atomically and tightens permissions.
func (r *Registry) save() error {
	r.mu.RLock()
	file := registryFile{Agents: make(map[string]Peer, len(r.peers))}
	for name, p := range r.peers {
		file.Agents[name] = p
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace registry: %w", err)
	}
	return os.Chmod(r.path, 0600)
}
