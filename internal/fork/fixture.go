package fork

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/txguard/api"
)

// Step is one scripted fork response.
type Step struct {
	Outcome     *api.SimulationOutcome `json:"outcome,omitempty"`
	Unavailable bool                   `json:"unavailable,omitempty"`
	// Hang blocks until the caller's context ends.
	Hang bool `json:"hang,omitempty"`
	// Delay is a duration string applied before the step's result.
	Delay string `json:"delay,omitempty"`
}

// Fixture is a scripted sequence of fork responses.
type Fixture struct {
	Steps []Step `json:"steps"`
}

// FixtureHandle replays a Fixture. Each Run consumes the next step and the
// last step repeats once the script is exhausted.
type FixtureHandle struct {
	mu     sync.Mutex
	steps  []Step
	next   int
	params []api.SimulationParams
}

// NewFixtureHandle creates a handle replaying steps.
func NewFixtureHandle(steps ...Step) *FixtureHandle {
	return &FixtureHandle{steps: steps}
}

// LoadFixture reads a YAML or JSON fixture file.
func LoadFixture(path string) (*FixtureHandle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes a YAML or JSON fixture. Field names follow the JSON
// encoding of the api types.
func ParseFixture(data []byte) (*FixtureHandle, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	// Round-trip through JSON so the api types' json tags apply.
	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(js, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	if len(f.Steps) == 0 {
		return nil, errors.New("fixture has no steps")
	}
	for i, s := range f.Steps {
		n := 0
		for _, set := range []bool{s.Outcome != nil, s.Unavailable, s.Hang} {
			if set {
				n++
			}
		}
		if n != 1 {
			return nil, fmt.Errorf("fixture step %d: exactly one of outcome, unavailable or hang is required", i)
		}
		if s.Delay != "" {
			if _, err := time.ParseDuration(s.Delay); err != nil {
				return nil, fmt.Errorf("fixture step %d: invalid delay %q: %w", i, s.Delay, err)
			}
		}
	}
	return NewFixtureHandle(f.Steps...), nil
}

// Run implements Handle.
func (h *FixtureHandle) Run(ctx context.Context, _ api.Transaction, params api.SimulationParams) (*api.SimulationOutcome, error) {
	h.mu.Lock()
	if len(h.steps) == 0 {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: empty fixture", ErrForkUnavailable)
	}
	step := h.steps[min(h.next, len(h.steps)-1)]
	h.next++
	h.params = append(h.params, params)
	h.mu.Unlock()

	if step.Delay != "" {
		d, _ := time.ParseDuration(step.Delay)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	switch {
	case step.Hang:
		<-ctx.Done()
		return nil, ctx.Err()
	case step.Unavailable:
		return nil, fmt.Errorf("%w: scripted", ErrForkUnavailable)
	}
	out := cloneOutcome(step.Outcome)
	return out, nil
}

// Params returns the parameters of every Run so far, in call order.
func (h *FixtureHandle) Params() []api.SimulationParams {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]api.SimulationParams(nil), h.params...)
}

// Calls returns the number of Run calls so far.
func (h *FixtureHandle) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.params)
}

func cloneOutcome(o *api.SimulationOutcome) *api.SimulationOutcome {
	c := *o
	c.AssetDeltas = append([]api.ObservedDelta{}, o.AssetDeltas...)
	c.Calls = append([]api.CallFrame{}, o.Calls...)
	c.Events = append([]api.Event{}, o.Events...)
	return &c
}
