// Package server exposes the audit pipeline and the transcript store over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/approval"
	"github.com/tkingovr/txguard/internal/audit"
	"github.com/tkingovr/txguard/internal/filter"
	"github.com/tkingovr/txguard/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Auditor runs one audit.
type Auditor interface {
	Audit(ctx context.Context, req *api.AuditRequest) (*api.AttestationRecord, error)
}

// Options wires the server's collaborators. Metrics, Gatherer and Reviews
// may be nil.
type Options struct {
	Addr     string
	Auditor  Auditor
	Store    audit.Store
	Chain    *filter.Chain
	Metrics  *telemetry.Metrics
	Gatherer prometheus.Gatherer
	Reviews  *approval.Queue
	Logger   *slog.Logger
	// MaxBodyBytes caps the body read before the admission chain sees it.
	MaxBodyBytes int64
}

// Server is the txguard HTTP server.
type Server struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auditor  Auditor
	store    audit.Store
	chain    *filter.Chain
	metrics  *telemetry.Metrics
	gatherer prometheus.Gatherer
	reviews  *approval.Queue
	maxBody  int64
	addr     string
}

// NewServer creates a new server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics(nil)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = filter.DefaultMaxBodyBytes
	}
	s := &Server{
		mux:      http.NewServeMux(),
		logger:   opts.Logger,
		auditor:  opts.Auditor,
		store:    opts.Store,
		chain:    opts.Chain,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		reviews:  opts.Reviews,
		maxBody:  opts.MaxBodyBytes,
		addr:     opts.Addr,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/audit", s.handleAudit)
	s.mux.HandleFunc("GET /v1/attestations/{digest}", s.handleGetAttestation)
	s.mux.HandleFunc("GET /v1/attestations", s.handleQuery)
	s.mux.HandleFunc("POST /v1/verify", s.handleVerify)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /v1/stream", s.handleStream)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /{$}", s.handleOverview)
	s.mux.HandleFunc("GET /records", s.handleRecords)
	if s.reviews != nil {
		s.mux.HandleFunc("GET /v1/reviews", s.handleReviews)
		s.mux.HandleFunc("POST /v1/reviews/{id}/{decision}", s.handleReviewDecision)
		s.mux.HandleFunc("GET /reviews", s.handleReviewsPage)
	}
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}
