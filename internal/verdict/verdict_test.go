package verdict

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkingovr/txguard/api"
)

func attempt(seq int, class api.Classification, risk float64, dims ...api.DimensionResult) api.Attempt {
	return api.Attempt{
		Seq:     seq,
		Params:  api.SimulationParams{GasLimit: 200000},
		Outcome: &api.SimulationOutcome{Success: class != api.ClassTechnicalFailure},
		Finding: api.Finding{Dimensions: dims, RiskScore: risk, Classification: class},
	}
}

func TestAggregate_Pass(t *testing.T) {
	v := Aggregate(Input{Attempts: []api.Attempt{attempt(0, api.ClassConclusivePass, 0,
		api.DimensionResult{Dimension: "execution", Status: api.StatusMatch},
		api.DimensionResult{Dimension: "asset:native", Status: api.StatusMatch},
	)}})

	assert.Equal(t, api.DispositionPass, v.Disposition)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, []int{0}, v.Attempts)
	require.Len(t, v.Rationale, 1)
	assert.Equal(t, CodePass, v.Rationale[0].Code)
	assert.Nil(t, v.Recommended)
}

func TestAggregate_IntentMismatchCitesViolations(t *testing.T) {
	v := Aggregate(Input{Attempts: []api.Attempt{attempt(0, api.ClassIntentMismatch, 100,
		api.DimensionResult{Dimension: "execution", Status: api.StatusMatch},
		api.DimensionResult{Dimension: "constraint:approval-allowlisted", Status: api.StatusHardMismatch, Semantic: true, Detail: "approval on 0xa0b8 granted to 0x6666"},
		api.DimensionResult{Dimension: "asset:native", Status: api.StatusHardMismatch, Semantic: true, Expected: "-10", Observed: "0"},
	)}})

	assert.Equal(t, api.DispositionStop, v.Disposition)
	assert.Zero(t, v.Confidence)
	require.Len(t, v.Rationale, 2)
	assert.Equal(t, "constraint:approval-allowlisted", v.Rationale[0].Dimension)
	assert.Equal(t, "approval on 0xa0b8 granted to 0x6666", v.Rationale[0].Message)
	assert.Equal(t, "asset:native expected -10, observed 0", v.Rationale[1].Message)
}

func TestAggregate_SoftMismatchRecommendsLargestDeviation(t *testing.T) {
	v := Aggregate(Input{Attempts: []api.Attempt{attempt(0, api.ClassConclusivePass, 36.8,
		api.DimensionResult{Dimension: "asset:0xaaaa", Status: api.StatusSoftMismatch, Observed: "1100", DeviationPct: 0.6, TolerancePct: 0.5},
		api.DimensionResult{Dimension: "asset:0xbbbb", Status: api.StatusSoftMismatch, Observed: "-985", DeviationPct: 1.5123, TolerancePct: 1},
		api.DimensionResult{Dimension: "asset:native", Status: api.StatusMatch},
	)}})

	assert.Equal(t, api.DispositionAdvise, v.Disposition)
	require.NotNil(t, v.Recommended)
	assert.Equal(t, ActionWidenTolerance, v.Recommended.Action)
	assert.Equal(t, "0xbbbb", v.Recommended.Asset)
	assert.Equal(t, 1.52, v.Recommended.RequiredTolerancePct)
	assert.Equal(t, "985", v.Recommended.MinimumAmount)
	assert.InDelta(t, 0.632, v.Confidence, 1e-9)
	assert.Len(t, v.Rationale, 2)
}

func TestAggregate_ToleranceRoundsUpExactly(t *testing.T) {
	v := Aggregate(Input{Attempts: []api.Attempt{attempt(0, api.ClassConclusivePass, 30,
		api.DimensionResult{Dimension: "asset:0xaaaa", Status: api.StatusSoftMismatch, Observed: "985000", DeviationPct: 1.5, TolerancePct: 1},
	)}})
	assert.Equal(t, 1.5, v.Recommended.RequiredTolerancePct)
}

func TestAggregate_TechnicalFailure(t *testing.T) {
	exec := api.DimensionResult{Dimension: "execution", Status: api.StatusHardMismatch, Observed: "reverted: out of gas"}

	within := attempt(0, api.ClassTechnicalFailure, 35, exec)
	within.Outcome.RevertReason = "out of gas"
	v := Aggregate(Input{Attempts: []api.Attempt{within}, Exhausted: true})
	assert.Equal(t, api.DispositionAdvise, v.Disposition)
	require.NotNil(t, v.Recommended)
	assert.Equal(t, ActionResubmit, v.Recommended.Action)
	assert.Equal(t, uint64(200000), v.Recommended.GasLimit)
	assert.Contains(t, v.Rationale[0].Message, "out of gas")
	assert.Equal(t, "execution", v.Rationale[0].Dimension)

	beyond := attempt(0, api.ClassTechnicalFailure, 35, exec,
		api.DimensionResult{Dimension: "asset:native", Status: api.StatusHardMismatch, Observed: "0"})
	v = Aggregate(Input{Attempts: []api.Attempt{beyond}, Exhausted: true})
	assert.Equal(t, api.DispositionStop, v.Disposition)
	assert.Nil(t, v.Recommended)
}

func TestAggregate_IncompleteWins(t *testing.T) {
	a := attempt(0, api.ClassTechnicalFailure, 35)
	a.Outcome = nil
	a.Error = "context deadline exceeded"
	v := Aggregate(Input{Attempts: []api.Attempt{a}, Incomplete: true, Note: "budget 8s"})

	assert.Equal(t, api.DispositionStop, v.Disposition)
	assert.True(t, v.Incomplete)
	require.Len(t, v.Rationale, 1)
	assert.Equal(t, CodeIncomplete, v.Rationale[0].Code)
	assert.Equal(t, "audit did not complete: context deadline exceeded (budget 8s)", v.Rationale[0].Message)
}

func TestAggregate_IncompleteWithoutAttempts(t *testing.T) {
	v := Aggregate(Input{Incomplete: true})
	assert.Equal(t, api.DispositionStop, v.Disposition)
	assert.True(t, v.Incomplete)
	assert.Equal(t, []int{}, v.Attempts)
	assert.Equal(t, -1, v.Rationale[0].Attempt)
}

func TestAggregate_RetriedReasons(t *testing.T) {
	first := attempt(0, api.ClassTechnicalFailure, 35)
	first.Outcome.RevertReason = "out of gas"
	second := attempt(1, api.ClassConclusivePass, 0)
	second.Params.Strategy = "raise-gas-limit"

	v := Aggregate(Input{Attempts: []api.Attempt{first, second}})
	assert.Equal(t, api.DispositionPass, v.Disposition)
	assert.Equal(t, []int{0, 1}, v.Attempts)
	require.Len(t, v.Rationale, 2)
	assert.Equal(t, api.Reason{
		Code:    CodeRetried,
		Message: "attempt 0 reverted: out of gas; retried with raise-gas-limit",
		Attempt: 0,
	}, v.Rationale[0])
}

func TestUnparsable(t *testing.T) {
	v := Unparsable(errors.New("intent unparsable"))
	assert.Equal(t, api.DispositionStop, v.Disposition)
	assert.Empty(t, v.Attempts)
	require.Len(t, v.Rationale, 1)
	assert.Equal(t, "cannot establish expectation: intent unparsable", v.Rationale[0].Message)
}
