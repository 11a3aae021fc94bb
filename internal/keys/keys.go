// Package keys manages the per-peer signing and encryption key files.
//
// Keys are 256-bit values stored hex-encoded, one file per peer, with
// owner-only permissions. When a peer has a signing key but no
// encryption key, the AES key is derived from the signing key with
// HKDF-SHA256 so operators only have to exchange one secret.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrNoKey is returned when no key material exists for a peer.
var ErrNoKey = errors.New("no key for peer")

const keySize = 32

// fleet is the fallback encryption-key name shared across the mesh.
const fleet = "fleet"

// hkdfInfo namespaces derived encryption keys away from signing use.
var hkdfInfo = []byte("mesh-encryption-v1")

// Store reads and writes key files under a config directory.
type Store struct {
	signingDir string
	encDir     string
}

// NewStore creates a key store rooted at configDir.
func NewStore(configDir string) *Store {
	return &Store{
		signingDir: filepath.Join(configDir, "signing-keys"),
		encDir:     filepath.Join(configDir, "encryption-keys"),
	}
}

// SigningKey returns the shared HMAC key for the named peer.
func (s *Store) SigningKey(peer string) ([]byte, error) {
	return readKey(filepath.Join(s.signingDir, sanitize(peer)+".key"))
}

// HasSigningKey reports whether a signing key exists for the peer.
func (s *Store) HasSigningKey(peer string) bool {
	_, err := s.SigningKey(peer)
	return err == nil
}

// EncryptionKey returns the AES-256 key for the named peer. Lookup
// order: per-peer key file, fleet key file, HKDF derivation from the
// peer's signing key.
func (s *Store) EncryptionKey(peer string) ([]byte, error) {
	if key, err := readKey(filepath.Join(s.encDir, sanitize(peer)+".key")); err == nil {
		return key, nil
	}
	if key, err := readKey(filepath.Join(s.encDir, fleet+".key")); err == nil {
		return key, nil
	}
	signing, err := s.SigningKey(peer)
	if err != nil {
		return nil, ErrNoKey
	}
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, signing, nil, hkdfInfo), derived); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	return derived, nil
}

// StoreSigningKey writes a signing key for the peer, creating the
// directory on first use.
func (s *Store) StoreSigningKey(peer string, key []byte) error {
	return writeKey(s.signingDir, sanitize(peer)+".key", key)
}

// StoreEncryptionKey writes an encryption key for the peer.
func (s *Store) StoreEncryptionKey(peer string, key []byte) error {
	return writeKey(s.encDir, sanitize(peer)+".key", key)
}

// Generate returns a fresh random 256-bit key.
func Generate() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func readKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", path, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("key %s: want %d bytes, got %d", path, keySize, len(key))
	}
	return key, nil
}

func writeKey(dir, name string, key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// sanitize keeps key filenames to a safe character set.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
