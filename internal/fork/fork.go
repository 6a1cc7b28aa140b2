// Package fork runs transactions in disposable forks of chain state.
package fork

import (
	"context"
	"errors"

	"github.com/tkingovr/txguard/api"
)

var (
	// ErrForkUnavailable means the fork environment could not be created or
	// reached. It is an infrastructure failure, never a transaction outcome.
	ErrForkUnavailable = errors.New("fork unavailable")
	// ErrPoolExhausted means no fork slot became free within the acquire timeout.
	ErrPoolExhausted = errors.New("fork pool exhausted")
)

// Handle executes one transaction in an isolated fork and discards the fork
// on return. Run blocks until the simulation finishes or ctx ends. A revert
// is reported as an outcome with Success=false, not as an error.
type Handle interface {
	Run(ctx context.Context, tx api.Transaction, params api.SimulationParams) (*api.SimulationOutcome, error)
}

// HandleFunc adapts a function to the Handle interface.
type HandleFunc func(ctx context.Context, tx api.Transaction, params api.SimulationParams) (*api.SimulationOutcome, error)

// Run calls f.
func (f HandleFunc) Run(ctx context.Context, tx api.Transaction, params api.SimulationParams) (*api.SimulationOutcome, error) {
	return f(ctx, tx, params)
}
