package fork

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkingovr/txguard/api"
)

const fixtureYAML = `
steps:
  - outcome:
      success: false
      revert_reason: "out of gas"
      gas_used: 21000
  - delay: 1ms
    outcome:
      success: true
      gas_used: 120000
      asset_deltas:
        - asset: native
          amount: "-1000000000000000000"
  - unavailable: true
`

func TestParseFixture_ReplaysAndRepeatsLast(t *testing.T) {
	h, err := ParseFixture([]byte(fixtureYAML))
	require.NoError(t, err)
	ctx := context.Background()

	out, err := h.Run(ctx, api.Transaction{}, api.SimulationParams{GasLimit: 21000})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "out of gas", out.RevertReason)
	assert.Equal(t, uint64(21000), out.GasUsed)

	out, err = h.Run(ctx, api.Transaction{}, api.SimulationParams{GasLimit: 42000})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, []api.ObservedDelta{{Asset: "native", Amount: "-1000000000000000000"}}, out.AssetDeltas)

	for i := 0; i < 2; i++ {
		_, err = h.Run(ctx, api.Transaction{}, api.SimulationParams{})
		require.ErrorIs(t, err, ErrForkUnavailable)
	}

	params := h.Params()
	require.Len(t, params, 4)
	assert.Equal(t, uint64(42000), params[1].GasLimit)
	assert.Equal(t, 4, h.Calls())
}

func TestParseFixture_JSON(t *testing.T) {
	h, err := ParseFixture([]byte(`{"steps":[{"outcome":{"success":true}}]}`))
	require.NoError(t, err)
	out, err := h.Run(context.Background(), api.Transaction{}, api.SimulationParams{})
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestParseFixture_Invalid(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":     `steps: []`,
		"ambiguous": "steps:\n  - hang: true\n    unavailable: true\n",
		"none":      "steps:\n  - delay: 1s\n",
		"bad delay": "steps:\n  - hang: true\n    delay: soon\n",
	} {
		_, err := ParseFixture([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestFixtureHandle_HangHonoursContext(t *testing.T) {
	h := NewFixtureHandle(Step{Hang: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Run(ctx, api.Transaction{}, api.SimulationParams{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFixtureHandle_OutcomesAreCopies(t *testing.T) {
	h := NewFixtureHandle(Step{Outcome: &api.SimulationOutcome{
		Success:     true,
		AssetDeltas: []api.ObservedDelta{{Asset: "native", Amount: "-1"}},
	}})
	a, _ := h.Run(context.Background(), api.Transaction{}, api.SimulationParams{})
	a.AssetDeltas[0].Amount = "0"
	b, _ := h.Run(context.Background(), api.Transaction{}, api.SimulationParams{})
	assert.Equal(t, "-1", b.AssetDeltas[0].Amount)
}
