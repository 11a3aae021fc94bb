package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// sigPrefix tags the digest algorithm inside the signature field.
const sigPrefix = "sha256:"

// Sign computes the envelope signature over the canonical encoding with
// the signature field removed, and stamps it on the envelope.
//
// Canonicalization: both sides serialize through Encode (fixed field
// order, compact output), so the signed bytes and the verified bytes
// are identical by construction.
func Sign(e *Envelope, key []byte) error {
	mac, err := computeMAC(e, key)
	if err != nil {
		return err
	}
	e.Signature = sigPrefix + base64.StdEncoding.EncodeToString(mac)
	return nil
}

// Verify checks the envelope signature against the shared key.
// Returns nil when valid.
func Verify(e *Envelope, key []byte) error {
	if e.Signature == "" {
		return fmt.Errorf("envelope %s has no signature", e.ID)
	}
	encoded, ok := strings.CutPrefix(e.Signature, sigPrefix)
	if !ok {
		return fmt.Errorf("envelope %s: unsupported signature scheme", e.ID)
	}
	got, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("envelope %s: malformed signature: %w", e.ID, err)
	}
	want, err := computeMAC(e, key)
	if err != nil {
		return err
	}
	if !hmac.Equal(got, want) {
		return fmt.Errorf("envelope %s: signature mismatch", e.ID)
	}
	return nil
}

// computeMAC serializes the envelope without its signature field and
// returns the HMAC-SHA256 over those bytes.
func computeMAC(e *Envelope, key []byte) ([]byte, error) {
	unsigned := *e
	unsigned.Signature = ""
	data, err := Encode(&unsigned)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}
