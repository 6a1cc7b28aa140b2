// Package attest builds signed, content-addressed attestation records.
package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/tkingovr/txguard/api"
)

// Canonicalize returns the RFC 8785 form of v's JSON encoding.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing: %w", err)
	}
	return out, nil
}

// Digest is the lowercase hex SHA-256 of the canonical transcript.
func Digest(t *api.Transcript) (string, error) {
	b, err := Canonicalize(t)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
