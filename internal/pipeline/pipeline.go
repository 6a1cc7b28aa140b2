// Package pipeline drives one audit from request to signed record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/attest"
	"github.com/tkingovr/txguard/internal/audit"
	"github.com/tkingovr/txguard/internal/fork"
	"github.com/tkingovr/txguard/internal/intent"
	"github.com/tkingovr/txguard/internal/reconcile"
	"github.com/tkingovr/txguard/internal/reflection"
	"github.com/tkingovr/txguard/internal/telemetry"
	"github.com/tkingovr/txguard/internal/verdict"
)

const (
	DefaultBudget            = 8 * time.Second
	DefaultAttemptTimeout    = 5 * time.Second
	DefaultForkRetries       = 2
	DefaultForkRetryInterval = 100 * time.Millisecond
	DefaultGasLimit          = 30_000_000
)

// Stage names used for spans and the stage duration histogram.
const (
	stageExpectation = "expectation"
	stageSimulation  = "simulation"
	stageReconcile   = "reconcile"
	stageAttestation = "attestation"
	stagePersist     = "persist"
)

// Config bounds a single audit.
type Config struct {
	Budget         time.Duration
	AttemptTimeout time.Duration
	// ForkRetries is how many times a pool or fork infrastructure failure is
	// retried before the audit fails. These retries are not attempts.
	ForkRetries       int
	ForkRetryInterval time.Duration
	DefaultGasLimit   uint64
}

// Deps are the stage implementations. Store and Metrics may be nil.
type Deps struct {
	Expect     *intent.Builder
	Pool       *fork.Pool
	Reconciler *reconcile.Reconciler
	Controller *reflection.Controller
	Attestor   *attest.Builder
	Store      audit.Store
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Orchestrator runs audits. It holds no per-request state and is safe for
// concurrent use; requests share only the fork pool.
type Orchestrator struct {
	cfg        Config
	expect     *intent.Builder
	pool       *fork.Pool
	reconciler *reconcile.Reconciler
	controller *reflection.Controller
	attestor   *attest.Builder
	store      audit.Store
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	newID      func() string
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Expect == nil:
		return nil, errors.New("pipeline: expectation builder is required")
	case deps.Pool == nil:
		return nil, errors.New("pipeline: fork pool is required")
	case deps.Reconciler == nil:
		return nil, errors.New("pipeline: reconciler is required")
	case deps.Controller == nil:
		return nil, errors.New("pipeline: reflection controller is required")
	case deps.Attestor == nil:
		return nil, errors.New("pipeline: attestation builder is required")
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.ForkRetries < 0 {
		cfg.ForkRetries = 0
	}
	if cfg.ForkRetryInterval <= 0 {
		cfg.ForkRetryInterval = DefaultForkRetryInterval
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = DefaultGasLimit
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		expect:     deps.Expect,
		pool:       deps.Pool,
		reconciler: deps.Reconciler,
		controller: deps.Controller,
		attestor:   deps.Attestor,
		store:      deps.Store,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		tracer:     telemetry.Tracer(),
		newID:      uuid.NewString,
	}, nil
}

// Audit runs the full pipeline for one request. It returns either a signed
// record or an *api.AuditError; an unsigned verdict is never returned.
func (o *Orchestrator) Audit(ctx context.Context, req *api.AuditRequest) (rec *api.AttestationRecord, err error) {
	requestID := o.newID()
	ctx, span := o.tracer.Start(ctx, "audit", trace.WithAttributes(
		attribute.String("txguard.request_id", requestID),
		attribute.Int64("txguard.chain_id", int64(req.Transaction.ChainID)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.metrics.AuditErrors.WithLabelValues(errorCode(err)).Inc()
			o.logger.Warn("audit failed", "request_id", requestID, "error", err)
		} else {
			span.SetAttributes(
				attribute.String("txguard.disposition", string(rec.Transcript.Verdict.Disposition)),
				attribute.String("txguard.digest", rec.Digest),
			)
		}
		span.End()
	}()

	budget, cancel := context.WithTimeout(ctx, o.cfg.Budget)
	defer cancel()

	t := &api.Transcript{
		Version:  api.TranscriptVersion,
		Request:  *req,
		Attempts: []api.Attempt{},
	}

	exp, err := o.buildExpectation(budget, req)
	switch {
	case err == nil:
		t.Expectation = exp
	case errors.Is(err, intent.ErrIntentUnparsable):
		t.Verdict = verdict.Unparsable(err)
		return o.finish(ctx, requestID, t)
	case budget.Err() != nil:
		t.Verdict = verdict.Aggregate(verdict.Input{
			Incomplete: true,
			Note:       fmt.Sprintf("budget of %s ran out while building the expectation", o.cfg.Budget),
		})
		return o.finish(ctx, requestID, t)
	default:
		return nil, &api.AuditError{
			Kind:    api.KindInfrastructure,
			Code:    api.CodeClassifierUnavailable,
			Message: "intent classifier failed",
			Err:     err,
		}
	}

	in, err := o.attemptLoop(budget, req.Transaction, exp)
	if err != nil {
		return nil, err
	}
	t.Attempts = in.Attempts
	t.Verdict = verdict.Aggregate(in)
	return o.finish(ctx, requestID, t)
}

func (o *Orchestrator) buildExpectation(ctx context.Context, req *api.AuditRequest) (*api.Expectation, error) {
	defer o.observe(stageExpectation, time.Now())
	ctx, span := o.tracer.Start(ctx, stageExpectation)
	defer span.End()

	exp, err := o.expect.Build(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("txguard.action", string(exp.Action)))
	return exp, nil
}

// attemptLoop runs attempts strictly in sequence until the controller
// finalizes, an attempt does not finish, or the budget is spent.
func (o *Orchestrator) attemptLoop(ctx context.Context, tx api.Transaction, exp *api.Expectation) (verdict.Input, error) {
	in := verdict.Input{Attempts: []api.Attempt{}}
	params := InitialParams(tx, o.cfg.DefaultGasLimit)

	for seq := 0; ; seq++ {
		if err := ctx.Err(); err != nil {
			in.Incomplete = true
			in.Note = fmt.Sprintf("budget of %s spent before attempt %d", o.cfg.Budget, seq)
			return in, nil
		}

		a, err := o.runAttempt(ctx, seq, tx, exp, params)
		if err != nil {
			return in, err
		}
		in.Attempts = append(in.Attempts, a)
		if a.Error != "" {
			in.Incomplete = true
			return in, nil
		}

		d := o.controller.Decide(in.Attempts)
		o.logger.Debug("reflection decision",
			"attempt", seq,
			"classification", a.Finding.Classification,
			"state", d.State,
			"reason", d.Reason,
		)
		if d.State != reflection.StateRetry {
			in.Exhausted = d.Exhausted
			return in, nil
		}
		o.metrics.Retries.WithLabelValues(d.Strategy).Inc()
		params = d.Params
	}
}

// InitialParams are the parameters of attempt 0.
func InitialParams(tx api.Transaction, defaultGas uint64) api.SimulationParams {
	gas := tx.GasLimit
	if gas == 0 {
		gas = defaultGas
	}
	return api.SimulationParams{
		GasLimit:       gas,
		BlockNumber:    tx.BlockNumber,
		StateOverrides: tx.StateOverrides,
		RPCTarget:      0,
	}
}

// runAttempt simulates and reconciles once. A simulation cut short by the
// attempt timeout or the budget is returned as an attempt with Error set;
// fork infrastructure failures are returned as an *api.AuditError.
func (o *Orchestrator) runAttempt(ctx context.Context, seq int, tx api.Transaction, exp *api.Expectation, params api.SimulationParams) (api.Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "attempt", trace.WithAttributes(
		attribute.Int("txguard.attempt", seq),
		attribute.Int64("txguard.gas_limit", int64(params.GasLimit)),
		attribute.Int("txguard.rpc_target", params.RPCTarget),
		attribute.String("txguard.strategy", params.Strategy),
	))
	defer span.End()

	a := api.Attempt{Seq: seq, Params: params}

	out, err := o.simulate(ctx, tx, params)
	if err != nil {
		if ctx.Err() != nil {
			a.Error = fmt.Sprintf("simulation did not finish: %v", context.Cause(ctx))
			a.Finding = reconcile.Incomplete(a.Error)
			span.SetStatus(codes.Error, a.Error)
			o.logger.Warn("attempt cut short", "attempt", seq, "error", a.Error)
			return a, nil
		}
		span.RecordError(err)
		return a, forkError(err)
	}

	start := time.Now()
	f, err := o.reconciler.Reconcile(ctx, tx, exp, out)
	o.observe(stageReconcile, start)
	if err != nil {
		a.Error = fmt.Sprintf("reconciliation did not finish: %v", err)
		a.Finding = reconcile.Incomplete(a.Error)
		span.SetStatus(codes.Error, a.Error)
		return a, nil
	}
	a.Outcome = out
	a.Finding = f
	span.SetAttributes(
		attribute.String("txguard.classification", string(f.Classification)),
		attribute.Float64("txguard.risk", f.RiskScore),
	)
	return a, nil
}

// simulate leases a fork and runs the transaction, retrying pool exhaustion
// and fork unavailability with exponential backoff.
func (o *Orchestrator) simulate(ctx context.Context, tx api.Transaction, params api.SimulationParams) (*api.SimulationOutcome, error) {
	defer o.observe(stageSimulation, time.Now())

	op := func() (*api.SimulationOutcome, error) {
		lease, err := o.pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil || !errors.Is(err, fork.ErrPoolExhausted) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		o.metrics.ForkLeases.Inc()
		defer func() {
			lease.Release()
			o.metrics.ForkLeases.Dec()
		}()

		out, err := lease.Run(ctx, tx, params)
		switch {
		case err == nil:
			return out, nil
		case ctx.Err() != nil:
			return nil, backoff.Permanent(err)
		case errors.Is(err, fork.ErrForkUnavailable):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.ForkRetryInterval
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.cfg.ForkRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("fork unavailable, retrying", "error", err, "backoff", next)
		}),
	)
}

func forkError(err error) *api.AuditError {
	if errors.Is(err, fork.ErrPoolExhausted) {
		return &api.AuditError{
			Kind:    api.KindInfrastructure,
			Code:    api.CodeForkPoolExhausted,
			Message: "no fork became available",
			Err:     err,
		}
	}
	return &api.AuditError{
		Kind:    api.KindInfrastructure,
		Code:    api.CodeForkUnavailable,
		Message: "fork environment unavailable",
		Err:     err,
	}
}

// finish signs the transcript under the attestor's sub-budget, persists the
// record and records metrics. ctx is the caller's context, not the spent
// audit budget.
func (o *Orchestrator) finish(ctx context.Context, requestID string, t *api.Transcript) (*api.AttestationRecord, error) {
	start := time.Now()
	sctx, span := o.tracer.Start(ctx, stageAttestation)
	rec, err := o.attestor.Build(sctx, requestID, t)
	span.End()
	o.observe(stageAttestation, start)
	if err != nil {
		return nil, &api.AuditError{
			Kind:    api.KindAttestationUnavailable,
			Code:    api.CodeAttestationUnavailable,
			Message: "transcript could not be signed",
			Err:     err,
		}
	}

	if o.store != nil {
		start = time.Now()
		pctx, span := o.tracer.Start(context.WithoutCancel(ctx), stagePersist)
		if err := o.store.Put(pctx, rec); err != nil {
			span.RecordError(err)
			o.metrics.StoreErrors.Inc()
			o.logger.Error("persisting record", "digest", rec.Digest, "error", err)
		}
		span.End()
		o.observe(stagePersist, start)
	}

	v := rec.Transcript.Verdict
	o.metrics.Audits.WithLabelValues(string(v.Disposition), strconv.FormatBool(v.Incomplete)).Inc()
	o.metrics.Attempts.Observe(float64(len(rec.Transcript.Attempts)))
	o.logger.Info("audit complete",
		"request_id", requestID,
		"digest", rec.Digest,
		"disposition", v.Disposition,
		"confidence", v.Confidence,
		"attempts", len(rec.Transcript.Attempts),
		"incomplete", v.Incomplete,
	)
	return rec, nil
}

func (o *Orchestrator) observe(stage string, start time.Time) {
	o.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func errorCode(err error) string {
	var ae *api.AuditError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "UNKNOWN"
}
