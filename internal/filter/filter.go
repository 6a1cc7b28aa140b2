package filter

import "context"

// Filter is a single step in the admission chain.
type Filter interface {
	// Name returns the filter name for logging.
	Name() string

	// Process inspects the filter context. It rejects a request by calling
	// fc.Halt. Returning an error aborts the chain and is treated as an
	// internal failure, not a rejection.
	Process(ctx context.Context, fc *FilterContext) error
}
