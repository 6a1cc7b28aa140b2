// Package verdict turns a finished attempt sequence into a disposition.
package verdict

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
)

// Reason codes.
const (
	CodeIncomplete       = "incomplete"
	CodeUnparsable       = "unparsable"
	CodeViolation        = "violation"
	CodeTechnicalFailure = "technical-failure"
	CodeSoftMismatch     = "soft-mismatch"
	CodeRetried          = "retried"
	CodePass             = "pass"
)

// Recommended actions.
const (
	ActionResubmit       = "resubmit"
	ActionWidenTolerance = "widen-tolerance"
)

const (
	requestLevelAttempt  = -1
	assetDimensionPrefix = "asset:"
)

// Input is everything the aggregator looks at.
type Input struct {
	Attempts   []api.Attempt
	Incomplete bool
	Exhausted  bool
	// Note is appended to the incomplete reason, e.g. the budget that ran out.
	Note string
}

// Aggregate applies the disposition precedence to the final finding. Earlier
// attempts only contribute "retried" reasons.
func Aggregate(in Input) api.Verdict {
	v := api.Verdict{Attempts: make([]int, 0, len(in.Attempts))}
	for _, a := range in.Attempts {
		v.Attempts = append(v.Attempts, a.Seq)
	}
	for i := 0; i+1 < len(in.Attempts); i++ {
		a, next := in.Attempts[i], in.Attempts[i+1]
		v.Rationale = append(v.Rationale, api.Reason{
			Code:    CodeRetried,
			Message: fmt.Sprintf("%s; retried with %s", summarize(a), next.Params.Strategy),
			Attempt: a.Seq,
		})
	}

	if len(in.Attempts) == 0 {
		v.Disposition = api.DispositionStop
		v.Incomplete = in.Incomplete
		v.Rationale = append(v.Rationale, api.Reason{
			Code:    CodeIncomplete,
			Message: withNote("no simulation attempt completed", in.Note),
			Attempt: requestLevelAttempt,
		})
		return v
	}

	last := in.Attempts[len(in.Attempts)-1]
	f := last.Finding
	v.Confidence = confidence(f.RiskScore)

	switch {
	case in.Incomplete:
		v.Disposition = api.DispositionStop
		v.Incomplete = true
		msg := "audit did not complete"
		if last.Error != "" {
			msg += ": " + last.Error
		}
		v.Rationale = append(v.Rationale, api.Reason{Code: CodeIncomplete, Message: withNote(msg, in.Note), Attempt: last.Seq})

	case f.Classification == api.ClassIntentMismatch:
		v.Disposition = api.DispositionStop
		for _, d := range f.Dimensions {
			if d.Status == api.StatusHardMismatch && d.Semantic {
				v.Rationale = append(v.Rationale, api.Reason{
					Code:      CodeViolation,
					Message:   dimensionMessage(d),
					Attempt:   last.Seq,
					Dimension: d.Dimension,
				})
			}
		}

	case f.Classification == api.ClassTechnicalFailure:
		reason := api.Reason{Code: CodeTechnicalFailure, Attempt: last.Seq, Dimension: executionDimension(f)}
		if withinBand(f) {
			v.Disposition = api.DispositionAdvise
			v.Recommended = &api.RecommendedParameters{Action: ActionResubmit, GasLimit: last.Params.GasLimit}
			reason.Message = "simulation failed for a technical reason but every asset movement stayed within twice its tolerance; resubmission may succeed"
		} else {
			v.Disposition = api.DispositionStop
			reason.Message = "simulation failed for a technical reason and the outcome cannot be confirmed"
		}
		if last.Outcome != nil && last.Outcome.RevertReason != "" {
			reason.Message += " (revert: " + last.Outcome.RevertReason + ")"
		}
		if in.Exhausted {
			reason.Message += "; no further retry"
		}
		v.Rationale = append(v.Rationale, reason)

	case worstSoft(f) != nil:
		d := worstSoft(f)
		v.Disposition = api.DispositionAdvise
		v.Recommended = recommend(d)
		for _, s := range f.Dimensions {
			if s.Status == api.StatusSoftMismatch {
				v.Rationale = append(v.Rationale, api.Reason{
					Code:      CodeSoftMismatch,
					Message:   dimensionMessage(s),
					Attempt:   last.Seq,
					Dimension: s.Dimension,
				})
			}
		}

	default:
		v.Disposition = api.DispositionPass
		v.Rationale = append(v.Rationale, api.Reason{
			Code:    CodePass,
			Message: fmt.Sprintf("all %d checked dimensions match the expectation", len(f.Dimensions)),
			Attempt: last.Seq,
		})
	}
	return v
}

// Unparsable is the verdict when no expectation could be built.
func Unparsable(err error) api.Verdict {
	msg := "cannot establish expectation"
	if err != nil {
		msg += ": " + err.Error()
	}
	return api.Verdict{
		Disposition: api.DispositionStop,
		Rationale:   []api.Reason{{Code: CodeUnparsable, Message: msg, Attempt: requestLevelAttempt}},
		Attempts:    []int{},
	}
}

func confidence(risk float64) float64 {
	return math.Max(0, math.Min(1, 1-risk/100))
}

func withNote(msg, note string) string {
	if note == "" {
		return msg
	}
	return msg + " (" + note + ")"
}

func summarize(a api.Attempt) string {
	switch {
	case a.Error != "":
		return fmt.Sprintf("attempt %d failed: %s", a.Seq, a.Error)
	case a.Outcome != nil && !a.Outcome.Success:
		return fmt.Sprintf("attempt %d reverted: %s", a.Seq, a.Outcome.RevertReason)
	default:
		return fmt.Sprintf("attempt %d classified %s", a.Seq, a.Finding.Classification)
	}
}

func dimensionMessage(d api.DimensionResult) string {
	if d.Detail != "" {
		return d.Detail
	}
	return fmt.Sprintf("%s expected %s, observed %s", d.Dimension, d.Expected, d.Observed)
}

func executionDimension(f api.Finding) string {
	for _, d := range f.Dimensions {
		if d.Status == api.StatusHardMismatch && !strings.HasPrefix(d.Dimension, assetDimensionPrefix) {
			return d.Dimension
		}
	}
	return ""
}

// withinBand reports whether every asset dimension landed within twice its
// tolerance, i.e. none is a hard mismatch.
func withinBand(f api.Finding) bool {
	for _, d := range f.Dimensions {
		if strings.HasPrefix(d.Dimension, assetDimensionPrefix) && d.Status == api.StatusHardMismatch {
			return false
		}
	}
	return true
}

// worstSoft returns the soft mismatch with the largest deviation.
func worstSoft(f api.Finding) *api.DimensionResult {
	var worst *api.DimensionResult
	for i := range f.Dimensions {
		d := &f.Dimensions[i]
		if d.Status != api.StatusSoftMismatch {
			continue
		}
		if worst == nil || d.DeviationPct > worst.DeviationPct {
			worst = d
		}
	}
	return worst
}

func recommend(d *api.DimensionResult) *api.RecommendedParameters {
	rec := &api.RecommendedParameters{
		Action:               ActionWidenTolerance,
		Asset:                strings.TrimPrefix(d.Dimension, assetDimensionPrefix),
		RequiredTolerancePct: math.Ceil(math.Round(d.DeviationPct*1e6)/1e4) / 100,
	}
	if obs, err := evm.ParseInt(d.Observed); err == nil {
		rec.MinimumAmount = new(big.Int).Abs(obs).String()
	}
	return rec
}
