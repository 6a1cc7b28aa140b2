package attest

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tkingovr/txguard/api"
)

// DefaultSignTimeout is the signing sub-budget.
const DefaultSignTimeout = 2 * time.Second

var (
	// ErrAttestationUnavailable means no signature could be obtained in time.
	ErrAttestationUnavailable = errors.New("attestation unavailable")
	ErrDigestMismatch         = errors.New("digest does not match transcript")
	ErrBadSignature           = errors.New("signature does not verify")
	ErrUnsupportedScheme      = errors.New("unsupported signer scheme")
)

// Builder digests transcripts and has them signed.
type Builder struct {
	signer  Signer
	timeout time.Duration
	now     func() time.Time
}

// NewBuilder returns a builder. A non-positive timeout uses
// DefaultSignTimeout.
func NewBuilder(signer Signer, timeout time.Duration) *Builder {
	if timeout <= 0 {
		timeout = DefaultSignTimeout
	}
	return &Builder{signer: signer, timeout: timeout, now: time.Now}
}

// Build digests the transcript and signs it. The signer runs under the
// builder's timeout; if it errors or overruns, Build returns an error
// wrapping ErrAttestationUnavailable and no record. t is not modified; the
// record holds its own copy.
func (b *Builder) Build(ctx context.Context, requestID string, t *api.Transcript) (*api.AttestationRecord, error) {
	tc := *t
	if tc.Version == 0 {
		tc.Version = api.TranscriptVersion
	}
	digest, err := Digest(&tc)
	if err != nil {
		return nil, fmt.Errorf("digesting transcript: %w", err)
	}
	raw, _ := hex.DecodeString(digest)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		sig      []byte
		identity string
		err      error
	}
	// Buffered so a signer that ignores ctx does not leak the goroutine
	// once it finally returns.
	ch := make(chan result, 1)
	go func() {
		sig, id, err := b.signer.Sign(ctx, raw)
		ch <- result{sig, id, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: signer did not answer within %s: %w", ErrAttestationUnavailable, b.timeout, ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttestationUnavailable, res.err)
	}
	if len(res.sig) == 0 || res.identity == "" {
		return nil, fmt.Errorf("%w: signer returned an empty signature", ErrAttestationUnavailable)
	}

	return &api.AttestationRecord{
		Digest:     digest,
		Signature:  res.sig,
		Signer:     res.identity,
		CreatedAt:  b.now().UTC(),
		RequestID:  requestID,
		Transcript: tc,
	}, nil
}

// Verify recomputes the digest of the record's transcript and checks the
// signature under the scheme named by the signer identity.
func Verify(rec *api.AttestationRecord) error {
	digest, err := Digest(&rec.Transcript)
	if err != nil {
		return fmt.Errorf("digesting transcript: %w", err)
	}
	if digest != rec.Digest {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrDigestMismatch, rec.Digest, digest)
	}
	raw, _ := hex.DecodeString(digest)

	scheme, rest, _ := strings.Cut(rec.Signer, ":")
	switch scheme {
	case ed25519Scheme:
		_, pubHex, ok := strings.Cut(rest, ":")
		if !ok {
			return fmt.Errorf("malformed signer identity %q", rec.Signer)
		}
		pub, err := hex.DecodeString(pubHex)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("malformed public key in signer identity %q", rec.Signer)
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), raw, rec.Signature) {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}
