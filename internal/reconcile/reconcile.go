// Package reconcile compares a simulation outcome against an expectation.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"regexp"
	"strings"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
	"github.com/tkingovr/txguard/internal/policy"
)

// Risk weights.
const (
	semanticHardWeight = 40.0
	softWeight         = 20.0
	softCap            = 40.0
	technicalWeight    = 35.0
	maxRisk            = 100.0
)

// Dimension names.
const (
	DimensionExecution = "execution"
	assetPrefix        = "asset:"
	constraintPrefix   = "constraint:"
	policyPrefix       = "policy:"
	forensicPrefix     = "forensic:"
)

// DefaultMaliciousPatterns match revert reasons that indicate a trap rather
// than a transient failure.
func DefaultMaliciousPatterns() []string {
	return []string{
		`honeypot`,
		`blacklist`,
		`trading (is )?not (enabled|open|active|started)`,
		`transfers? (is |are )?(blocked|disabled|paused|forbidden)`,
	}
}

// Reconciler produces Findings.
type Reconciler struct {
	engine    policy.Engine
	malicious []*regexp.Regexp
	logger    *slog.Logger
}

// New creates a reconciler. engine may be nil. Patterns are matched
// case-insensitively against revert reasons; nil uses the defaults.
func New(engine policy.Engine, patterns []string, logger *slog.Logger) (*Reconciler, error) {
	if patterns == nil {
		patterns = DefaultMaliciousPatterns()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{engine: engine, logger: logger}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("malicious revert pattern %q: %w", p, err)
		}
		r.malicious = append(r.malicious, re)
	}
	return r, nil
}

// Reconcile checks every asset delta, hard constraint and policy rule against
// the outcome, then runs the built-in call-tree checks. It fails only when ctx ends; a failing policy engine is
// recorded as a violated policy dimension.
func (r *Reconciler) Reconcile(ctx context.Context, tx api.Transaction, exp *api.Expectation, out *api.SimulationOutcome) (api.Finding, error) {
	var dims []api.DimensionResult

	dims = append(dims, r.execution(out))
	for _, d := range exp.AssetDeltas {
		dims = append(dims, assetDimension(d, out))
	}
	for _, c := range exp.HardConstraints {
		dims = append(dims, constraintDimension(tx, exp, c, out))
	}
	dims = append(dims, forensics(tx, exp, out)...)

	if r.engine != nil {
		violations, err := r.engine.Evaluate(ctx, &policy.EvalInput{Transaction: tx, Expectation: exp, Outcome: out})
		if err != nil {
			if ctx.Err() != nil {
				return api.Finding{}, ctx.Err()
			}
			r.logger.Error("policy evaluation failed", "error", err)
			violations = []policy.Violation{{Rule: "_engine_error", Message: err.Error()}}
		}
		for _, v := range violations {
			dims = append(dims, api.DimensionResult{
				Dimension: policyPrefix + v.Rule,
				Status:    api.StatusHardMismatch,
				Semantic:  true,
				Detail:    v.Message,
			})
		}
	}

	return score(dims, out.Success), nil
}

// Incomplete is the finding for an attempt that produced no outcome.
func Incomplete(reason string) api.Finding {
	return api.Finding{
		Dimensions: []api.DimensionResult{{
			Dimension: DimensionExecution,
			Status:    api.StatusHardMismatch,
			Observed:  "no outcome",
			Detail:    reason,
		}},
		RiskScore:      technicalWeight,
		Classification: api.ClassTechnicalFailure,
	}
}

func (r *Reconciler) execution(out *api.SimulationOutcome) api.DimensionResult {
	d := api.DimensionResult{Dimension: DimensionExecution, Expected: "success"}
	if out.Success {
		d.Status = api.StatusMatch
		d.Observed = "success"
		return d
	}
	d.Status = api.StatusHardMismatch
	d.Observed = "reverted: " + out.RevertReason
	for _, re := range r.malicious {
		if re.MatchString(out.RevertReason) {
			d.Semantic = true
			d.Detail = "revert reason matches malicious signature " + re.String()[len("(?i)"):]
			return d
		}
	}
	d.Detail = "transaction reverted"
	return d
}

func observedAmount(asset string, out *api.SimulationOutcome) *big.Int {
	var sum *big.Int
	for _, o := range out.AssetDeltas {
		if !strings.EqualFold(o.Asset, asset) {
			continue
		}
		v, err := evm.ParseInt(o.Amount)
		if err != nil {
			continue
		}
		if sum == nil {
			sum = new(big.Int)
		}
		sum.Add(sum, v)
	}
	return sum
}

func assetDimension(d api.AssetDelta, out *api.SimulationOutcome) api.DimensionResult {
	res := api.DimensionResult{
		Dimension:    assetPrefix + evm.Lower(d.Asset),
		TolerancePct: d.TolerancePct,
	}
	sign := 1
	if d.Direction == api.DirectionOut {
		sign = -1
	}
	if d.Magnitude != "" {
		res.Expected = d.Magnitude
		if sign < 0 {
			res.Expected = "-" + d.Magnitude
		}
	} else {
		res.Expected = string(d.Direction)
	}
	label := assetLabel(d.Asset, d.Symbol)

	obs := observedAmount(d.Asset, out)
	if obs == nil || obs.Sign() == 0 {
		res.Observed = "0"
		if d.AllowZero {
			res.Status = api.StatusMatch
			return res
		}
		res.Status = api.StatusHardMismatch
		res.Semantic = out.Success
		res.Detail = label + " did not move"
		return res
	}
	res.Observed = obs.String()

	if obs.Sign() != sign {
		res.Status = api.StatusHardMismatch
		res.Semantic = true
		res.Detail = fmt.Sprintf("%s moved %s, expected %s", label, directionOf(obs), d.Direction)
		return res
	}
	if d.Magnitude == "" {
		res.Status = api.StatusMatch
		return res
	}

	expected, err := evm.ParseInt(d.Magnitude)
	if err != nil || expected.Sign() <= 0 {
		res.Status = api.StatusHardMismatch
		res.Semantic = out.Success
		res.Detail = fmt.Sprintf("invalid expected magnitude %q", d.Magnitude)
		return res
	}

	dev := deviation(obs, expected)
	tol := toleranceRat(d.TolerancePct)
	res.DeviationPct = ratPct(dev)

	switch {
	case dev.Cmp(tol) <= 0:
		res.Status = api.StatusMatch
	case dev.Cmp(new(big.Rat).Mul(tol, big.NewRat(2, 1))) <= 0:
		res.Status = api.StatusSoftMismatch
		res.Detail = fmt.Sprintf("%s deviates %.4g%% (tolerance %g%%)", label, res.DeviationPct, d.TolerancePct)
	default:
		res.Status = api.StatusHardMismatch
		res.Semantic = out.Success
		res.Detail = fmt.Sprintf("%s deviates %.4g%%, beyond twice the %g%% tolerance", label, res.DeviationPct, d.TolerancePct)
	}
	return res
}

func directionOf(v *big.Int) api.Direction {
	if v.Sign() < 0 {
		return api.DirectionOut
	}
	return api.DirectionIn
}

func constraintDimension(tx api.Transaction, exp *api.Expectation, c api.HardConstraint, out *api.SimulationOutcome) api.DimensionResult {
	res := api.DimensionResult{
		Dimension: constraintPrefix + c.ID,
		Expected:  c.Description,
		Status:    api.StatusMatch,
	}
	check, ok := checks[c.Kind]
	if !ok {
		res.Status = api.StatusHardMismatch
		res.Semantic = true
		res.Detail = fmt.Sprintf("unknown constraint kind %q", c.Kind)
		return res
	}
	if v := check(tx, exp, c, out); v != "" {
		res.Status = api.StatusHardMismatch
		res.Semantic = true
		res.Observed = v
		res.Detail = v
	}
	return res
}

// score computes the risk score and classification from the dimensions.
func score(dims []api.DimensionResult, success bool) api.Finding {
	f := api.Finding{Dimensions: dims}
	var risk float64
	semantic := false
	for _, d := range dims {
		switch {
		case d.Status == api.StatusHardMismatch && d.Semantic:
			semantic = true
			risk += semanticHardWeight
		case d.Status == api.StatusSoftMismatch && d.TolerancePct > 0:
			risk += math.Min(softWeight*d.DeviationPct/d.TolerancePct, softCap)
		}
	}

	switch {
	case semantic:
		f.Classification = api.ClassIntentMismatch
	case !success:
		f.Classification = api.ClassTechnicalFailure
		risk += technicalWeight
	default:
		f.Classification = api.ClassConclusivePass
	}
	f.RiskScore = math.Round(math.Min(risk, maxRisk)*100) / 100
	return f
}
