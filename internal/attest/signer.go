package attest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Signer signs a transcript digest. identity must be enough for Verify to
// check the signature without access to key material.
type Signer interface {
	Sign(ctx context.Context, digest []byte) (signature []byte, identity string, err error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, digest []byte) ([]byte, string, error)

func (f SignerFunc) Sign(ctx context.Context, digest []byte) ([]byte, string, error) {
	return f(ctx, digest)
}

const ed25519Scheme = "ed25519"

// Ed25519Signer signs with a local key.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	keyID string
}

// NewEd25519Signer wraps a private key. The key id is derived from the public
// key.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &Ed25519Signer{priv: priv, keyID: hex.EncodeToString(sum[:4])}
}

// GenerateKey creates a signing key and writes its hex seed to path with
// 0600 permissions. It refuses to overwrite an existing file.
func GenerateKey(path string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating key file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, hex.EncodeToString(priv.Seed())); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return NewEd25519Signer(priv), nil
}

// LoadKey reads a hex seed file written by GenerateKey.
func LoadKey(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file holds %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed)), nil
}

// Identity is "ed25519:<key-id>:<public-key-hex>".
func (s *Ed25519Signer) Identity() string {
	pub := s.priv.Public().(ed25519.PublicKey)
	return ed25519Scheme + ":" + s.keyID + ":" + hex.EncodeToString(pub)
}

func (s *Ed25519Signer) Sign(ctx context.Context, digest []byte) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	return ed25519.Sign(s.priv, digest), s.Identity(), nil
}

// RemoteSigner asks an enclave sidecar to sign over HTTP.
type RemoteSigner struct {
	url  string
	http *http.Client
}

func NewRemoteSigner(url string, client *http.Client) *RemoteSigner {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteSigner{url: url, http: client}
}

type remoteRequest struct {
	Digest string `json:"digest"`
}

type remoteResponse struct {
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
	Error     string `json:"error,omitempty"`
}

func (s *RemoteSigner) Sign(ctx context.Context, digest []byte) ([]byte, string, error) {
	body, err := json.Marshal(remoteRequest{Digest: hex.EncodeToString(digest)})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("creating sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("sign request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, "", fmt.Errorf("reading sign response: %w", err)
	}
	var out remoteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, "", fmt.Errorf("decoding sign response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("signer returned status %d: %s", resp.StatusCode, out.Error)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(out.Signature, "0x"))
	if err != nil || len(sig) == 0 {
		return nil, "", errors.New("signer returned an empty or malformed signature")
	}
	if out.Signer == "" {
		return nil, "", errors.New("signer returned no identity")
	}
	return sig, out.Signer, nil
}
