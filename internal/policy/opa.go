package policy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/open-policy-agent/opa/topdown"
)

// OPAEngine implements the Engine interface using embedded OPA/Rego.
type OPAEngine struct {
	mu   sync.RWMutex
	path string

	// Compiled query for evaluation
	query rego.PreparedEvalQuery
}

// NewOPAEngine creates a new OPA engine from a .rego policy file.
func NewOPAEngine(path string) (*OPAEngine, error) {
	e := &OPAEngine{path: path}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewOPAEngineFromSource creates a new OPA engine from raw Rego source.
func NewOPAEngineFromSource(source string) (*OPAEngine, error) {
	e := &OPAEngine{}
	if err := e.loadSource(source); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate runs the OPA policy against the given input.
//
// The Rego policy must define, in package txguard, a set or array named
// violations whose elements are strings or {"rule", "message"} objects.
// An undefined violations means none.
//
// Input available to the policy:
//
//	input.tx: the transaction
//	input.expectation: the expectation
//	input.outcome: the simulation outcome
func (e *OPAEngine) Evaluate(ctx context.Context, input *EvalInput) ([]Violation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, err := input.document()
	if err != nil {
		return nil, err
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		// Runtime errors in the policy fail closed.
		if topdown.IsError(err) {
			return []Violation{{
				Rule:    "_opa_error",
				Message: "OPA evaluation error: " + err.Error(),
			}}, nil
		}
		return nil, fmt.Errorf("OPA evaluation failed: %w", err)
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	items, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return []Violation{{
			Rule:    "_opa_parse_error",
			Message: fmt.Sprintf("unexpected OPA result type %T", rs[0].Expressions[0].Value),
		}}, nil
	}
	return parseOPAResult(items), nil
}

// Reload re-reads the Rego policy file from disk and recompiles.
func (e *OPAEngine) Reload(_ context.Context) error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("reading OPA policy file: %w", err)
	}
	return e.loadSource(string(data))
}

func (e *OPAEngine) loadSource(source string) error {
	// Parse to validate
	_, err := ast.ParseModuleWithOpts("policy.rego", source, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return fmt.Errorf("parsing Rego policy: %w", err)
	}

	store := inmem.New()

	r := rego.New(
		rego.Query("data.txguard.violations"),
		rego.Module("policy.rego", source),
		rego.Store(store),
	)

	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("preparing OPA query: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.query = query

	return nil
}

func parseOPAResult(items []any) []Violation {
	out := make([]Violation, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, Violation{Rule: v, Message: v})
		case map[string]any:
			viol := Violation{Rule: "_opa"}
			if r, ok := v["rule"].(string); ok {
				viol.Rule = r
			}
			if msg, ok := v["message"].(string); ok {
				viol.Message = msg
			}
			out = append(out, viol)
		default:
			out = append(out, Violation{Rule: "_opa", Message: fmt.Sprint(v)})
		}
	}
	// Rego sets have no order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Message < out[j].Message
	})
	return out
}
