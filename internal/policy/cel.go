package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// AssertionFile is a YAML list of CEL assertions.
type AssertionFile struct {
	Version    int         `yaml:"version"`
	Assertions []Assertion `yaml:"assertions"`
}

// Assertion is a named boolean CEL expression over tx, expectation and
// outcome. An assertion that evaluates to false is a violation.
type Assertion struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	Message string `yaml:"message,omitempty"`
}

type compiledAssertion struct {
	Assertion
	prg cel.Program
}

// CELEngine evaluates CEL assertions.
type CELEngine struct {
	mu         sync.RWMutex
	path       string
	env        *cel.Env
	assertions []compiledAssertion
}

func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("expectation", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("outcome", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return env, nil
}

// NewCELEngine loads assertions from a YAML file.
func NewCELEngine(path string) (*CELEngine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	e := &CELEngine{path: path, env: env}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewCELEngineFromAssertions compiles the given assertions.
func NewCELEngineFromAssertions(assertions []Assertion) (*CELEngine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	e := &CELEngine{env: env}
	compiled, err := e.compile(assertions)
	if err != nil {
		return nil, err
	}
	e.assertions = compiled
	return e, nil
}

// Evaluate implements Engine. A non-boolean result is an error.
func (e *CELEngine) Evaluate(ctx context.Context, input *EvalInput) ([]Violation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, err := input.document()
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, a := range e.assertions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		val, _, err := a.prg.Eval(doc)
		if err != nil {
			return nil, fmt.Errorf("assertion %q: %w", a.Name, err)
		}
		ok, isBool := val.Value().(bool)
		if !isBool {
			return nil, fmt.Errorf("assertion %q: result is %s, not bool", a.Name, val.Type().TypeName())
		}
		if !ok {
			msg := a.Message
			if msg == "" {
				msg = "assertion failed: " + a.Expr
			}
			out = append(out, Violation{Rule: a.Name, Message: msg})
		}
	}
	return out, nil
}

// Reload re-reads the assertion file from disk and recompiles.
func (e *CELEngine) Reload(_ context.Context) error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("reading CEL assertion file: %w", err)
	}
	var af AssertionFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return fmt.Errorf("parsing CEL assertion YAML: %w", err)
	}
	if af.Version != 1 {
		return fmt.Errorf("unsupported assertion file version: %d (expected 1)", af.Version)
	}
	compiled, err := e.compile(af.Assertions)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.assertions = compiled
	return nil
}

func (e *CELEngine) compile(assertions []Assertion) ([]compiledAssertion, error) {
	out := make([]compiledAssertion, 0, len(assertions))
	for i, a := range assertions {
		if a.Name == "" {
			return nil, fmt.Errorf("assertion %d: name is required", i)
		}
		if a.Expr == "" {
			return nil, errors.New("assertion " + a.Name + ": expr is required")
		}
		ast, iss := e.env.Compile(a.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("assertion %q: compile: %w", a.Name, iss.Err())
		}
		prg, err := e.env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("assertion %q: program: %w", a.Name, err)
		}
		out = append(out, compiledAssertion{Assertion: a, prg: prg})
	}
	return out, nil
}
