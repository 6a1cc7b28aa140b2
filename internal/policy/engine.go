// Package policy evaluates supplementary hard constraints over a simulated
// transaction.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tkingovr/txguard/api"
)

// Engine is the interface for policy evaluation backends.
type Engine interface {
	// Evaluate checks a simulated transaction and returns every violated rule.
	Evaluate(ctx context.Context, input *EvalInput) ([]Violation, error)

	// Reload reloads policies from the source (file, remote, etc.).
	Reload(ctx context.Context) error
}

// EvalInput is the input to a policy engine evaluation.
type EvalInput struct {
	Transaction api.Transaction        `json:"tx"`
	Expectation *api.Expectation       `json:"expectation"`
	Outcome     *api.SimulationOutcome `json:"outcome"`
}

// Violation is one violated rule.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Multi evaluates several engines and concatenates their violations.
type Multi []Engine

// Evaluate implements Engine.
func (m Multi) Evaluate(ctx context.Context, input *EvalInput) ([]Violation, error) {
	var out []Violation
	for _, e := range m {
		v, err := e.Evaluate(ctx, input)
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return out, nil
}

// Reload implements Engine. Every engine is reloaded even if one fails.
func (m Multi) Reload(ctx context.Context) error {
	var errs []error
	for _, e := range m {
		if err := e.Reload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// document renders the input as plain JSON values so engines that work on
// untyped data see the same field names as the API.
func (in *EvalInput) document() (map[string]any, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding policy input: %w", err)
	}
	for _, k := range []string{"expectation", "outcome"} {
		if doc[k] == nil {
			doc[k] = map[string]any{}
		}
	}
	return doc, nil
}
