// Package reflection decides whether a technical failure is worth another
// simulation attempt, and with which parameters.
package reflection

import (
	"fmt"
	"maps"
	"regexp"

	"github.com/tkingovr/txguard/api"
)

// State is a controller state.
type State string

const (
	StateAttempting State = "ATTEMPTING"
	StateRetry      State = "RETRY"
	StateFinalize   State = "FINALIZE"
)

const (
	DefaultMaxRetries           = 3
	DefaultBlockGasLimit uint64 = 45_000_000
)

// Config bounds the controller.
type Config struct {
	// MaxRetries of zero disables retries. A negative value selects
	// DefaultMaxRetries.
	MaxRetries    int
	BlockGasLimit uint64
	// RPCTargets is the number of fork upstreams available for failover.
	RPCTargets    int
}

// Decision is the controller's answer after an attempt.
type Decision struct {
	State     State
	Params    api.SimulationParams
	Strategy  string
	Exhausted bool
	Reason    string
}

// Controller holds no per-request state; a decision depends only on the
// attempts passed in.
type Controller struct {
	cfg        Config
	strategies []Strategy
}

// DefaultConfig allows DefaultMaxRetries retries over a single upstream.
func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries, BlockGasLimit: DefaultBlockGasLimit, RPCTargets: 1}
}

// New returns a controller with the built-in strategies.
func New(cfg Config) *Controller {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BlockGasLimit == 0 {
		cfg.BlockGasLimit = DefaultBlockGasLimit
	}
	if cfg.RPCTargets <= 0 {
		cfg.RPCTargets = 1
	}
	return &Controller{cfg: cfg, strategies: DefaultStrategies()}
}

// MaxRetries returns the effective retry ceiling.
func (c *Controller) MaxRetries() int { return c.cfg.MaxRetries }

// Decide inspects the latest attempt.
func (c *Controller) Decide(attempts []api.Attempt) Decision {
	if len(attempts) == 0 {
		return Decision{State: StateAttempting}
	}
	last := attempts[len(attempts)-1]

	if last.Error != "" {
		return Decision{State: StateFinalize, Params: last.Params, Reason: "attempt did not complete: " + last.Error}
	}

	switch last.Finding.Classification {
	case api.ClassConclusivePass:
		return Decision{State: StateFinalize, Params: last.Params, Reason: "conclusive"}
	case api.ClassIntentMismatch:
		return Decision{State: StateFinalize, Params: last.Params, Reason: "semantic mismatch is not retried"}
	}

	if len(attempts) > c.cfg.MaxRetries {
		return Decision{
			State:     StateFinalize,
			Params:    last.Params,
			Exhausted: true,
			Reason:    fmt.Sprintf("retry limit of %d reached", c.cfg.MaxRetries),
		}
	}

	for _, s := range c.strategies {
		params, ok := s.Apply(c.cfg, last)
		if !ok {
			continue
		}
		params.Strategy = s.Name
		return Decision{
			State:    StateRetry,
			Params:   params,
			Strategy: s.Name,
			Reason:   s.Name + ": " + s.Description,
		}
	}

	return Decision{State: StateFinalize, Params: last.Params, Exhausted: true, Reason: "no adjustment strategy applies"}
}

// Strategy adjusts the parameters of a technically failed attempt. Apply
// reports false when the strategy does not fit the failure.
type Strategy struct {
	Name        string
	Description string
	Apply       func(cfg Config, last api.Attempt) (api.SimulationParams, bool)
}

var (
	outOfGasRe = regexp.MustCompile(`(?i)out of gas|gas (limit )?(too low|exceeded)|intrinsic gas`)
	upstreamRe = regexp.MustCompile(`(?i)missing trie node|header not found|rate limit|too many requests|timeout|timed out|connection (refused|reset)|upstream|503`)
)

// DefaultStrategies returns the built-in strategies in the order they are
// tried.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "raise-gas-limit", Description: "revert looks like gas exhaustion", Apply: raiseGasLimit},
		{Name: "rpc-failover", Description: "revert looks like an upstream node fault", Apply: rpcFailover},
		{Name: "relax-state-override", Description: "drop caller state overrides", Apply: relaxStateOverride},
	}
}

func revertReason(a api.Attempt) string {
	if a.Outcome == nil {
		return ""
	}
	return a.Outcome.RevertReason
}

func cloneParams(p api.SimulationParams) api.SimulationParams {
	p.StateOverrides = maps.Clone(p.StateOverrides)
	return p
}

func raiseGasLimit(cfg Config, last api.Attempt) (api.SimulationParams, bool) {
	if !outOfGasRe.MatchString(revertReason(last)) {
		return api.SimulationParams{}, false
	}
	limit := last.Params.GasLimit
	if limit == 0 || limit >= cfg.BlockGasLimit {
		return api.SimulationParams{}, false
	}
	next := 2 * limit
	if used := last.Outcome.GasUsed * 3 / 2; used > next {
		next = used
	}
	next = min(next, cfg.BlockGasLimit)

	p := cloneParams(last.Params)
	p.GasLimit = next
	return p, true
}

func rpcFailover(cfg Config, last api.Attempt) (api.SimulationParams, bool) {
	if !upstreamRe.MatchString(revertReason(last)) {
		return api.SimulationParams{}, false
	}
	if last.Params.RPCTarget+1 >= cfg.RPCTargets {
		return api.SimulationParams{}, false
	}
	p := cloneParams(last.Params)
	p.RPCTarget++
	return p, true
}

func relaxStateOverride(_ Config, last api.Attempt) (api.SimulationParams, bool) {
	if len(last.Params.StateOverrides) == 0 {
		return api.SimulationParams{}, false
	}
	p := last.Params
	p.StateOverrides = nil
	return p, true
}
