package attest

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkingovr/txguard/api"
)

func sampleTranscript() *api.Transcript {
	return &api.Transcript{
		Version: api.TranscriptVersion,
		Request: api.AuditRequest{
			Intent: "swap 1 ETH to USDC, slippage 0.5%",
			Transaction: api.Transaction{
				From:    "0x9999999999999999999999999999999999999999",
				To:      "0x7a250d5630b4cf539739df2c5dacb4c659f2488d",
				Value:   "1000000000000000000",
				ChainID: 1,
			},
			Caller: api.CallerMetadata{ID: "wallet", Labels: map[string]string{"z": "1", "a": "<&>"}},
		},
		Expectation: &api.Expectation{Action: api.ActionSwap},
		Attempts: []api.Attempt{{
			Seq:     0,
			Params:  api.SimulationParams{GasLimit: 30_000_000},
			Outcome: &api.SimulationOutcome{Success: true, GasUsed: 120000},
			Finding: api.Finding{RiskScore: 0.5, Classification: api.ClassConclusivePass},
		}},
		Verdict: api.Verdict{Disposition: api.DispositionPass, Confidence: 0.995, Attempts: []int{0}},
	}
}

func testSigner(t *testing.T) *Ed25519Signer {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
}

func TestCanonicalize_SortsKeysWithoutHTMLEscaping(t *testing.T) {
	out, err := Canonicalize(map[string]any{"b": 1.50, "a": "<&>", "c": []int{3, 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<&>","b":1.5,"c":[3,1]}`, string(out))
}

func TestDigest_Deterministic(t *testing.T) {
	a, err := Digest(sampleTranscript())
	require.NoError(t, err)
	b, err := Digest(sampleTranscript())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	changed := sampleTranscript()
	changed.Verdict.Confidence = 0.99
	c, err := Digest(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestBuildAndVerify(t *testing.T) {
	signer := testSigner(t)
	b := NewBuilder(signer, time.Second)

	rec, err := b.Build(context.Background(), "req-1", sampleTranscript())
	require.NoError(t, err)
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, signer.Identity(), rec.Signer)
	assert.Regexp(t, `^ed25519:[0-9a-f]{8}:[0-9a-f]{64}$`, rec.Signer)
	require.NoError(t, Verify(rec))

	// survives a JSON round trip, as records do through the store
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	var back api.AttestationRecord
	require.NoError(t, json.Unmarshal(data, &back))
	require.NoError(t, Verify(&back))
}

func TestBuild_LeavesTranscriptUntouched(t *testing.T) {
	tr := sampleTranscript()
	tr.Version = 0

	rec, err := NewBuilder(testSigner(t), time.Second).Build(context.Background(), "req-1", tr)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Version)
	assert.Equal(t, api.TranscriptVersion, rec.Transcript.Version)
	require.NoError(t, Verify(rec))
}

func TestVerify_RejectsTampering(t *testing.T) {
	rec, err := NewBuilder(testSigner(t), time.Second).Build(context.Background(), "", sampleTranscript())
	require.NoError(t, err)

	tampered := *rec
	tampered.Transcript.Verdict.Disposition = api.DispositionStop
	assert.ErrorIs(t, Verify(&tampered), ErrDigestMismatch)

	resigned := *rec
	resigned.Signature = append([]byte(nil), rec.Signature...)
	resigned.Signature[0] ^= 0xff
	assert.ErrorIs(t, Verify(&resigned), ErrBadSignature)

	other := *rec
	other.Signer = "tpm:abc"
	assert.ErrorIs(t, Verify(&other), ErrUnsupportedScheme)
}

func TestBuild_SignerTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	hang := SignerFunc(func(context.Context, []byte) ([]byte, string, error) {
		<-release
		return []byte{1}, "ed25519:x:y", nil
	})

	start := time.Now()
	rec, err := NewBuilder(hang, 50*time.Millisecond).Build(context.Background(), "", sampleTranscript())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrAttestationUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBuild_SignerError(t *testing.T) {
	failing := SignerFunc(func(context.Context, []byte) ([]byte, string, error) {
		return nil, "", errors.New("enclave offline")
	})
	rec, err := NewBuilder(failing, time.Second).Build(context.Background(), "", sampleTranscript())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrAttestationUnavailable)
	assert.ErrorContains(t, err, "enclave offline")
}

func TestGenerateAndLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signer.key")
	gen, err := GenerateKey(path)
	require.NoError(t, err)

	loaded, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, gen.Identity(), loaded.Identity())

	_, err = GenerateKey(path)
	assert.Error(t, err, "existing key must not be overwritten")
}

func TestRemoteSigner(t *testing.T) {
	local := testSigner(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		digest, _ := hex.DecodeString(req.Digest)
		sig, id, _ := local.Sign(r.Context(), digest)
		json.NewEncoder(w).Encode(remoteResponse{Signature: hex.EncodeToString(sig), Signer: id})
	}))
	defer srv.Close()

	rec, err := NewBuilder(NewRemoteSigner(srv.URL, srv.Client()), time.Second).Build(context.Background(), "", sampleTranscript())
	require.NoError(t, err)
	assert.Equal(t, local.Identity(), rec.Signer)
	require.NoError(t, Verify(rec))
}

func TestRemoteSigner_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(remoteResponse{Error: "sealed"})
	}))
	defer srv.Close()

	_, _, err := NewRemoteSigner(srv.URL, srv.Client()).Sign(context.Background(), []byte{1, 2, 3})
	assert.ErrorContains(t, err, "sealed")
}
