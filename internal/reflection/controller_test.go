package reflection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkingovr/txguard/api"
)

func failed(seq int, params api.SimulationParams, reason string, gasUsed uint64) api.Attempt {
	return api.Attempt{
		Seq:     seq,
		Params:  params,
		Outcome: &api.SimulationOutcome{Success: false, RevertReason: reason, GasUsed: gasUsed},
		Finding: api.Finding{Classification: api.ClassTechnicalFailure, RiskScore: 35},
	}
}

func TestDecide_NoAttempts(t *testing.T) {
	d := New(Config{}).Decide(nil)
	assert.Equal(t, StateAttempting, d.State)
}

func TestDecide_FinalClassifications(t *testing.T) {
	c := New(Config{})
	for _, class := range []api.Classification{api.ClassConclusivePass, api.ClassIntentMismatch} {
		d := c.Decide([]api.Attempt{{Finding: api.Finding{Classification: class}}})
		assert.Equal(t, StateFinalize, d.State, class)
		assert.False(t, d.Exhausted, class)
	}
}

func TestDecide_ErroredAttemptFinalizes(t *testing.T) {
	a := failed(0, api.SimulationParams{GasLimit: 100000}, "out of gas", 100000)
	a.Error = "context deadline exceeded"
	d := New(Config{}).Decide([]api.Attempt{a})
	assert.Equal(t, StateFinalize, d.State)
	assert.Contains(t, d.Reason, "deadline")
}

func TestDecide_RaiseGasLimit(t *testing.T) {
	c := New(DefaultConfig())

	d := c.Decide([]api.Attempt{failed(0, api.SimulationParams{GasLimit: 100000}, "EvmError: OutOfGas out of gas", 99000)})
	require.Equal(t, StateRetry, d.State)
	assert.Equal(t, "raise-gas-limit", d.Strategy)
	assert.Equal(t, uint64(200000), d.Params.GasLimit)
	assert.Equal(t, "raise-gas-limit", d.Params.Strategy)

	// 1.5x gas used wins over doubling
	d = c.Decide([]api.Attempt{failed(0, api.SimulationParams{GasLimit: 100000}, "out of gas", 400000)})
	assert.Equal(t, uint64(600000), d.Params.GasLimit)

	d = c.Decide([]api.Attempt{failed(0, api.SimulationParams{GasLimit: 30_000_000}, "out of gas", 30_000_000)})
	assert.Equal(t, DefaultBlockGasLimit, d.Params.GasLimit)

	d = c.Decide([]api.Attempt{failed(0, api.SimulationParams{GasLimit: DefaultBlockGasLimit}, "out of gas", 0)})
	assert.Equal(t, StateFinalize, d.State)
	assert.True(t, d.Exhausted)
}

func TestDecide_RPCFailover(t *testing.T) {
	c := New(Config{MaxRetries: DefaultMaxRetries, RPCTargets: 2})

	d := c.Decide([]api.Attempt{failed(0, api.SimulationParams{GasLimit: 100000}, "missing trie node 0xabc", 0)})
	require.Equal(t, StateRetry, d.State)
	assert.Equal(t, "rpc-failover", d.Strategy)
	assert.Equal(t, 1, d.Params.RPCTarget)

	d = c.Decide([]api.Attempt{failed(0, api.SimulationParams{GasLimit: 100000, RPCTarget: 1}, "header not found", 0)})
	assert.Equal(t, StateFinalize, d.State)
	assert.True(t, d.Exhausted)
}

func TestDecide_RelaxStateOverride(t *testing.T) {
	params := api.SimulationParams{
		GasLimit:       100000,
		StateOverrides: map[string]api.StateOverride{"0x1111111111111111111111111111111111111111": {Balance: "1"}},
	}
	d := New(DefaultConfig()).Decide([]api.Attempt{failed(0, params, "execution reverted", 30000)})
	require.Equal(t, StateRetry, d.State)
	assert.Equal(t, "relax-state-override", d.Strategy)
	assert.Nil(t, d.Params.StateOverrides)
	assert.Len(t, params.StateOverrides, 1, "input params must not be modified")
}

func TestDecide_NoStrategy(t *testing.T) {
	d := New(DefaultConfig()).Decide([]api.Attempt{failed(0, api.SimulationParams{GasLimit: 100000}, "execution reverted: STF", 30000)})
	assert.Equal(t, StateFinalize, d.State)
	assert.True(t, d.Exhausted)
	assert.Equal(t, "no adjustment strategy applies", d.Reason)
}

// Every attempt fails with out of gas; the controller must stop after
// MaxRetries+1 attempts.
func TestDecide_RetryBound(t *testing.T) {
	for _, maxRetries := range []int{1, 2, 3, 5} {
		c := New(Config{MaxRetries: maxRetries, BlockGasLimit: 1 << 62})
		params := api.SimulationParams{GasLimit: 1000}
		var attempts []api.Attempt
		for {
			attempts = append(attempts, failed(len(attempts), params, "out of gas", params.GasLimit))
			d := c.Decide(attempts)
			if d.State == StateFinalize {
				assert.True(t, d.Exhausted)
				break
			}
			params = d.Params
			require.LessOrEqual(t, len(attempts), maxRetries+1)
		}
		assert.Len(t, attempts, maxRetries+1)
	}
}

func TestDecide_ZeroRetriesFinalizesFirstAttempt(t *testing.T) {
	c := New(Config{MaxRetries: 0})
	assert.Equal(t, 0, c.MaxRetries())

	d := c.Decide([]api.Attempt{failed(0, api.SimulationParams{GasLimit: 100000}, "out of gas", 99000)})
	assert.Equal(t, StateFinalize, d.State)
	assert.True(t, d.Exhausted)
	assert.Contains(t, d.Reason, "retry limit of 0")
}

func TestNew_NegativeRetriesUseDefault(t *testing.T) {
	assert.Equal(t, DefaultMaxRetries, New(Config{MaxRetries: -1}).MaxRetries())
}
