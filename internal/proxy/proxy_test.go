package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/jsonrpc"
)

const sendTx = `{"jsonrpc":"2.0","id":7,"method":"eth_sendTransaction","params":[{"from":"0x9999999999999999999999999999999999999999","to":"0x7a250d5630b4cf539739df2c5dacb4c659f2488d","value":"0xde0b6b3a7640000","gas":"0x30d40","chainId":"0x1"}]}`

type stubAuditor struct {
	mu          sync.Mutex
	disposition api.Disposition
	err         error
	got         []*api.AuditRequest
}

func (s *stubAuditor) Audit(_ context.Context, req *api.AuditRequest) (*api.AttestationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, req)
	if s.err != nil {
		return nil, s.err
	}
	return &api.AttestationRecord{
		Digest: "d1g3st",
		Transcript: api.Transcript{
			Request: *req,
			Verdict: api.Verdict{
				Disposition: s.disposition,
				Rationale:   []api.Reason{{Code: "TEST", Message: "stubbed"}},
			},
		},
	}, nil
}

type stubReviewer struct {
	approve bool
	calls   int
}

func (s *stubReviewer) Submit(context.Context, *api.AttestationRecord) (bool, error) {
	s.calls++
	return s.approve, nil
}

type backend struct {
	*httptest.Server
	mu    sync.Mutex
	calls int
	last  *http.Request
}

func newBackend(t *testing.T) *backend {
	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls++
		b.last = r.Clone(context.Background())
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":7,"result":"0xabc"}`))
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func newProxy(t *testing.T, target string, a Auditor, rv Reviewer) *Proxy {
	t.Helper()
	p, err := New(Options{
		Target:  target,
		Auditor: a,
		Reviews: rv,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func post(p *Proxy, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)
	return w
}

func rpcError(t *testing.T, w *httptest.ResponseRecorder) *api.JSONRPCError {
	t.Helper()
	msg, err := jsonrpc.Parse(w.Body.Bytes())
	if err != nil {
		t.Fatalf("response is not JSON-RPC: %v: %s", err, w.Body.String())
	}
	if msg.Error == nil {
		t.Fatalf("expected an error response, got %s", w.Body.String())
	}
	return msg.Error
}

var swapHeaders = map[string]string{
	IntentHeader: "swap 1 ETH to USDC",
	CallerHeader: "wallet-ui",
	QuoteHeader:  "USDC=2460",
}

func TestProxy_PassForwards(t *testing.T) {
	b := newBackend(t)
	a := &stubAuditor{disposition: api.DispositionPass}
	p := newProxy(t, b.URL, a, nil)

	w := post(p, sendTx, swapHeaders)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "0xabc") {
		t.Fatalf("expected forwarded result, got %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get(AttestationHeader); got != "d1g3st" {
		t.Errorf("expected attestation header, got %q", got)
	}
	if got := w.Header().Get(DispositionHeader); got != "PASS" {
		t.Errorf("expected PASS disposition header, got %q", got)
	}
	if b.last.Header.Get(IntentHeader) != "" {
		t.Error("guard headers must not reach the node")
	}

	req := a.got[0]
	tx := req.Transaction
	if tx.Value != "1000000000000000000" || tx.GasLimit != 200000 || tx.ChainID != 1 {
		t.Errorf("unexpected transaction %+v", tx)
	}
	if req.Intent != "swap 1 ETH to USDC" || req.Caller.ID != "wallet-ui" {
		t.Errorf("unexpected request %+v", req)
	}
	if len(req.Quote) != 1 || req.Quote[0].Asset != "USDC" || req.Quote[0].Amount != "2460" {
		t.Errorf("unexpected quote %+v", req.Quote)
	}
}

func TestProxy_StopRejects(t *testing.T) {
	b := newBackend(t)
	p := newProxy(t, b.URL, &stubAuditor{disposition: api.DispositionStop}, nil)

	e := rpcError(t, post(p, sendTx, swapHeaders))
	if e.Code != jsonrpc.ErrorCodeRejected {
		t.Errorf("expected rejected code, got %d", e.Code)
	}
	var data rejection
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Digest != "d1g3st" || data.Disposition != api.DispositionStop || len(data.Rationale) != 1 {
		t.Errorf("unexpected rejection data %+v", data)
	}
	if b.Calls() != 0 {
		t.Error("a rejected transaction must not reach the node")
	}
}

func TestProxy_AdviseReview(t *testing.T) {
	b := newBackend(t)

	denied := &stubReviewer{approve: false}
	p := newProxy(t, b.URL, &stubAuditor{disposition: api.DispositionAdvise}, denied)
	if e := rpcError(t, post(p, sendTx, swapHeaders)); e.Code != jsonrpc.ErrorCodeReviewDenied {
		t.Errorf("expected review denied, got %d", e.Code)
	}
	if denied.calls != 1 || b.Calls() != 0 {
		t.Errorf("expected one review and no forward, got %d reviews %d forwards", denied.calls, b.Calls())
	}

	approved := &stubReviewer{approve: true}
	p = newProxy(t, b.URL, &stubAuditor{disposition: api.DispositionAdvise}, approved)
	w := post(p, sendTx, swapHeaders)
	if !strings.Contains(w.Body.String(), "0xabc") || w.Header().Get(DispositionHeader) != "ADVISE" {
		t.Errorf("expected approved transaction forwarded, got %s", w.Body.String())
	}

	p = newProxy(t, b.URL, &stubAuditor{disposition: api.DispositionAdvise}, nil)
	if w := post(p, sendTx, swapHeaders); !strings.Contains(w.Body.String(), "0xabc") {
		t.Errorf("without a reviewer ADVISE is forwarded, got %s", w.Body.String())
	}
}

func TestProxy_AuditErrorHolds(t *testing.T) {
	b := newBackend(t)
	a := &stubAuditor{err: &api.AuditError{Kind: api.KindInfrastructure, Code: api.CodeForkUnavailable, Message: "fork down"}}
	p := newProxy(t, b.URL, a, nil)

	e := rpcError(t, post(p, sendTx, swapHeaders))
	if e.Code != jsonrpc.ErrorCodeAuditUnavailable || !strings.Contains(string(e.Data), api.CodeForkUnavailable) {
		t.Errorf("unexpected error %+v", e)
	}

	a.err = errors.New("boom")
	if e := rpcError(t, post(p, sendTx, swapHeaders)); e.Code != jsonrpc.ErrorCodeAuditUnavailable {
		t.Errorf("unexpected error %+v", e)
	}
	if b.Calls() != 0 {
		t.Error("an unaudited transaction must not reach the node")
	}
}

func TestProxy_InvalidTransactions(t *testing.T) {
	b := newBackend(t)
	a := &stubAuditor{disposition: api.DispositionPass}
	p := newProxy(t, b.URL, a, nil)

	if e := rpcError(t, post(p, sendTx, nil)); e.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Errorf("missing intent: got %d", e.Code)
	}
	noChain := strings.Replace(sendTx, `,"chainId":"0x1"`, "", 1)
	if e := rpcError(t, post(p, noChain, swapHeaders)); e.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Errorf("missing chain id: got %d", e.Code)
	}
	create := `{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"from":"0x9999999999999999999999999999999999999999","data":"0x6080"}]}`
	if e := rpcError(t, post(p, create, swapHeaders)); e.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Errorf("contract creation: got %d", e.Code)
	}
	if e := rpcError(t, post(p, sendTx, map[string]string{IntentHeader: "swap", QuoteHeader: "USDC"})); e.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Errorf("bad quote: got %d", e.Code)
	}
	raw := `{"jsonrpc":"2.0","id":2,"method":"eth_sendRawTransaction","params":["0xf86c"]}`
	if e := rpcError(t, post(p, raw, swapHeaders)); e.Code != jsonrpc.ErrorCodeMethodUnsupported {
		t.Errorf("raw transaction: got %d", e.Code)
	}
	batch := "[" + sendTx + `,{"jsonrpc":"2.0","id":8,"method":"eth_blockNumber"}]`
	if e := rpcError(t, post(p, batch, swapHeaders)); e.Code != jsonrpc.ErrorCodeMethodUnsupported {
		t.Errorf("batch: got %d", e.Code)
	}
	if len(a.got) != 0 || b.Calls() != 0 {
		t.Errorf("invalid transactions must not be audited or forwarded")
	}
}

func TestProxy_DefaultChainID(t *testing.T) {
	b := newBackend(t)
	a := &stubAuditor{disposition: api.DispositionPass}
	p, err := New(Options{Target: b.URL, Auditor: a, ChainID: 8453, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	noChain := strings.Replace(sendTx, `,"chainId":"0x1"`, "", 1)
	post(p, noChain, swapHeaders)
	if len(a.got) != 1 || a.got[0].Transaction.ChainID != 8453 {
		t.Errorf("expected default chain id, got %+v", a.got)
	}
}

func TestProxy_ReadsPassThrough(t *testing.T) {
	b := newBackend(t)
	a := &stubAuditor{disposition: api.DispositionStop}
	p := newProxy(t, b.URL, a, nil)

	w := post(p, `{"jsonrpc":"2.0","id":7,"method":"eth_blockNumber","params":[]}`, nil)
	if !strings.Contains(w.Body.String(), "0xabc") {
		t.Errorf("expected passthrough, got %s", w.Body.String())
	}
	w = post(p, `[{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}]`, nil)
	if !strings.Contains(w.Body.String(), "0xabc") {
		t.Errorf("expected batch passthrough, got %s", w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for GET passthrough, got %d", rec.Code)
	}
	if len(a.got) != 0 || b.Calls() != 3 {
		t.Errorf("expected 3 forwards and no audits, got %d and %d", b.Calls(), len(a.got))
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(Options{Target: "not a url", Auditor: &stubAuditor{}}); err == nil {
		t.Error("expected error for bad target")
	}
	if _, err := New(Options{Target: "http://127.0.0.1:8545"}); err == nil {
		t.Error("expected error without auditor")
	}
}
