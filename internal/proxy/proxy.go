// Package proxy is a JSON-RPC reverse proxy in front of an Ethereum node.
// It audits eth_sendTransaction against the intent in the request headers
// and forwards the call only when the signed verdict allows it.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
	"github.com/tkingovr/txguard/internal/jsonrpc"
)

// Request headers read by the proxy.
const (
	IntentHeader = "X-Txguard-Intent"
	CallerHeader = "X-Txguard-Caller"
	// QuoteHeader lists quoted amounts as "USDC=2460,WETH=0.5".
	QuoteHeader = "X-Txguard-Quote"
)

// Response headers set on forwarded transactions.
const (
	AttestationHeader = "X-Txguard-Attestation"
	DispositionHeader = "X-Txguard-Disposition"
)

const defaultMaxBody = 1 << 20

// Auditor runs one audit.
type Auditor interface {
	Audit(ctx context.Context, req *api.AuditRequest) (*api.AttestationRecord, error)
}

// Reviewer decides ADVISE verdicts. approval.Queue implements it.
type Reviewer interface {
	Submit(ctx context.Context, rec *api.AttestationRecord) (bool, error)
}

// Options configures a Proxy.
type Options struct {
	Target  string
	Auditor Auditor
	// Reviews holds ADVISE verdicts for a decision. Nil forwards them.
	Reviews Reviewer
	// ChainID applies to transactions that carry no chainId.
	ChainID      uint64
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Proxy guards the transaction-submitting methods of a JSON-RPC node.
type Proxy struct {
	target       *url.URL
	reverseProxy *httputil.ReverseProxy
	auditor      Auditor
	reviews      Reviewer
	chainID      uint64
	maxBody      int64
	logger       *slog.Logger
}

// New creates a proxy targeting opts.Target.
func New(opts Options) (*Proxy, error) {
	u, err := url.Parse(opts.Target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid target URL %q", opts.Target)
	}
	if opts.Auditor == nil {
		return nil, errors.New("proxy: auditor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}

	p := &Proxy{
		target:  u,
		auditor: opts.Auditor,
		reviews: opts.Reviews,
		chainID: opts.ChainID,
		maxBody: opts.MaxBodyBytes,
		logger:  opts.Logger,
	}
	rp := httputil.NewSingleHostReverseProxy(u)
	rp.Director = p.director
	rp.ErrorHandler = p.errorHandler
	p.reverseProxy = rp
	return p, nil
}

// ServeHTTP handles incoming HTTP requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only POST carries JSON-RPC calls
	if r.Method != http.MethodPost {
		p.reverseProxy.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBody+1))
	r.Body.Close()
	if err != nil {
		p.logger.Error("reading request body", "error", err)
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > p.maxBody {
		p.writeError(w, nil, jsonrpc.ErrorCodeInvalidParams, "request body too large", nil)
		return
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if guardedBatch(trimmed) {
			p.writeError(w, nil, jsonrpc.ErrorCodeMethodUnsupported, "batches containing transactions are not audited; send each transaction on its own", nil)
			return
		}
		p.forward(w, r, body)
		return
	}

	msg, err := jsonrpc.Parse(body)
	if err != nil {
		// The node answers malformed calls itself.
		p.forward(w, r, body)
		return
	}

	switch msg.Method {
	case "eth_sendTransaction":
		p.guard(w, r, msg, body)
	case "eth_sendRawTransaction":
		p.writeError(w, msg.ID, jsonrpc.ErrorCodeMethodUnsupported,
			"signed raw transactions cannot be audited; use eth_sendTransaction", nil)
	default:
		p.forward(w, r, body)
	}
}

func guardedBatch(body []byte) bool {
	var msgs []api.JSONRPCMessage
	if err := json.Unmarshal(body, &msgs); err != nil {
		return false
	}
	for _, m := range msgs {
		if m.Method == "eth_sendTransaction" || m.Method == "eth_sendRawTransaction" {
			return true
		}
	}
	return false
}

// rejection is the error data of a refused transaction.
type rejection struct {
	Digest      string          `json:"digest"`
	Disposition api.Disposition `json:"disposition"`
	Incomplete  bool            `json:"incomplete,omitempty"`
	Rationale   []api.Reason    `json:"rationale"`
}

func (p *Proxy) guard(w http.ResponseWriter, r *http.Request, msg *api.JSONRPCMessage, body []byte) {
	intent := strings.TrimSpace(r.Header.Get(IntentHeader))
	if intent == "" {
		p.writeError(w, msg.ID, jsonrpc.ErrorCodeInvalidParams, "missing "+IntentHeader+" header", nil)
		return
	}
	tx, err := p.transaction(msg.Params)
	if err != nil {
		p.writeError(w, msg.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		return
	}
	quote, err := parseQuote(r.Header.Get(QuoteHeader))
	if err != nil {
		p.writeError(w, msg.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		return
	}

	req := &api.AuditRequest{
		Intent:      intent,
		Transaction: tx,
		Quote:       quote,
		Caller:      api.CallerMetadata{ID: r.Header.Get(CallerHeader), Source: "rpc-proxy"},
	}
	rec, err := p.auditor.Audit(r.Context(), req)
	if err != nil {
		var ae *api.AuditError
		if !errors.As(err, &ae) {
			ae = &api.AuditError{Kind: api.KindInfrastructure, Code: "INTERNAL", Message: err.Error()}
		}
		p.logger.Warn("audit failed, transaction held", "code", ae.Code, "error", ae.Message)
		p.writeError(w, msg.ID, jsonrpc.ErrorCodeAuditUnavailable, "transaction not audited: "+ae.Message, ae)
		return
	}

	v := rec.Transcript.Verdict
	logArgs := []any{"digest", rec.Digest, "disposition", v.Disposition, "to", tx.To}
	reject := rejection{Digest: rec.Digest, Disposition: v.Disposition, Incomplete: v.Incomplete, Rationale: v.Rationale}

	switch v.Disposition {
	case api.DispositionStop:
		p.logger.Warn("transaction rejected", logArgs...)
		p.writeError(w, msg.ID, jsonrpc.ErrorCodeRejected, "transaction rejected", reject)
		return
	case api.DispositionAdvise:
		if p.reviews != nil {
			p.logger.Info("transaction held for review", logArgs...)
			approved, err := p.reviews.Submit(r.Context(), rec)
			if err != nil || !approved {
				p.writeError(w, msg.ID, jsonrpc.ErrorCodeReviewDenied, "transaction not approved", reject)
				return
			}
		}
	}

	p.logger.Info("transaction forwarded", logArgs...)
	w.Header().Set(AttestationHeader, rec.Digest)
	w.Header().Set(DispositionHeader, string(v.Disposition))
	p.forward(w, r, body)
}

// rpcTx is the eth_sendTransaction parameter object.
type rpcTx struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Input   string `json:"input"`
	Value   string `json:"value"`
	Gas     string `json:"gas"`
	ChainID string `json:"chainId"`
}

func (p *Proxy) transaction(params json.RawMessage) (api.Transaction, error) {
	var list []rpcTx
	if err := json.Unmarshal(params, &list); err != nil || len(list) == 0 {
		return api.Transaction{}, errors.New("eth_sendTransaction expects a transaction object")
	}
	in := list[0]
	if in.To == "" {
		return api.Transaction{}, errors.New("contract creation is not audited")
	}

	tx := api.Transaction{From: in.From, To: in.To, Data: in.Data, ChainID: p.chainID}
	if tx.Data == "" {
		tx.Data = in.Input
	}
	value, err := evm.ParseInt(in.Value)
	if err != nil {
		return tx, fmt.Errorf("invalid value: %w", err)
	}
	tx.Value = value.String()
	if in.Gas != "" {
		gas, err := evm.ParseInt(in.Gas)
		if err != nil || !gas.IsUint64() {
			return tx, fmt.Errorf("invalid gas %q", in.Gas)
		}
		tx.GasLimit = gas.Uint64()
	}
	if in.ChainID != "" {
		id, err := evm.ParseInt(in.ChainID)
		if err != nil || !id.IsUint64() {
			return tx, fmt.Errorf("invalid chainId %q", in.ChainID)
		}
		tx.ChainID = id.Uint64()
	}
	if tx.ChainID == 0 {
		return tx, errors.New("transaction has no chainId and the proxy has no default")
	}
	return tx, nil
}

func parseQuote(h string) ([]api.QuotedAmount, error) {
	if strings.TrimSpace(h) == "" {
		return nil, nil
	}
	var out []api.QuotedAmount
	for _, part := range strings.Split(h, ",") {
		asset, amount, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || asset == "" || amount == "" {
			return nil, fmt.Errorf("invalid %s entry %q", QuoteHeader, part)
		}
		out = append(out, api.QuotedAmount{Asset: strings.TrimSpace(asset), Amount: strings.TrimSpace(amount)})
	}
	return out, nil
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	p.reverseProxy.ServeHTTP(w, r)
}

func (p *Proxy) director(req *http.Request) {
	req.URL.Scheme = p.target.Scheme
	req.URL.Host = p.target.Host
	req.URL.Path = p.target.Path
	req.Host = p.target.Host
	for _, h := range []string{IntentHeader, CallerHeader, QuoteHeader} {
		req.Header.Del(h)
	}
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Error("proxy error", "error", err, "url", r.URL.String())
	http.Error(w, "proxy error: "+err.Error(), http.StatusBadGateway)
}

func (p *Proxy) writeError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC errors use 200 status
	resp := jsonrpc.NewErrorResponse(id, code, message, data)
	out, _ := jsonrpc.Marshal(resp)
	w.Write(out)
}

// ListenAndServe serves until ctx ends.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("starting RPC proxy",
			"listen", addr,
			"target", p.target.String(),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	srv.Close()
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
