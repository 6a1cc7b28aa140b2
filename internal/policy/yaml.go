package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/tkingovr/txguard/internal/evm"
)

// YAMLEngine flags call frames and events matching YAML rules. Every rule
// that matches yields one violation.
type YAMLEngine struct {
	mu   sync.RWMutex
	file *RuleFile
	path string

	// compiled regex cache, keyed by rule name
	regexCache map[string]*regexp.Regexp
}

// NewYAMLEngine creates a new YAML rule engine from a file path.
func NewYAMLEngine(path string) (*YAMLEngine, error) {
	e := &YAMLEngine{path: path}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewYAMLEngineFromRules creates a new YAML rule engine from already-loaded rules.
func NewYAMLEngineFromRules(rf *RuleFile) (*YAMLEngine, error) {
	e := &YAMLEngine{}
	e.file = rf
	e.regexCache = make(map[string]*regexp.Regexp)
	if err := e.compileRegexes(); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate checks every rule against the simulated execution.
func (e *YAMLEngine) Evaluate(_ context.Context, input *EvalInput) ([]Violation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if input.Outcome == nil {
		return nil, nil
	}
	allowed := map[string]bool{evm.Lower(input.Transaction.From): true}
	if input.Expectation != nil {
		for _, a := range input.Expectation.AllowedCounterparties {
			allowed[evm.Lower(a)] = true
		}
	}

	var out []Violation
	for i := range e.file.Rules {
		rule := &e.file.Rules[i]
		where, ok := e.matches(rule, input, allowed)
		if !ok {
			continue
		}
		msg := rule.Message
		if msg == "" {
			msg = "rule matched"
		}
		out = append(out, Violation{Rule: rule.Name, Message: msg + " (" + where + ")"})
	}
	return out, nil
}

// Reload re-reads the rule file from disk.
func (e *YAMLEngine) Reload(_ context.Context) error {
	if e.path == "" {
		return nil
	}
	rf, err := LoadFile(e.path)
	if err != nil {
		return err
	}

	next := &YAMLEngine{file: rf, regexCache: make(map[string]*regexp.Regexp)}
	if err := next.compileRegexes(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.file = next.file
	e.regexCache = next.regexCache
	return nil
}

// Rules returns the currently loaded rules.
func (e *YAMLEngine) Rules() *RuleFile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.file
}

func (e *YAMLEngine) compileRegexes() error {
	for _, rule := range e.file.Rules {
		if rule.Match.InputRegex != "" {
			re, err := regexp.Compile(rule.Match.InputRegex)
			if err != nil {
				return fmt.Errorf("rule %q input_regex: %w", rule.Name, err)
			}
			e.regexCache[rule.Name] = re
		}
	}
	return nil
}

func (e *YAMLEngine) matches(rule *Rule, input *EvalInput, allowed map[string]bool) (string, bool) {
	m := rule.Match
	if m.Event != "" {
		for _, ev := range input.Outcome.Events {
			if len(ev.Topics) == 0 || evm.EventNames[strings.ToLower(ev.Topics[0])] != m.Event {
				continue
			}
			if m.Target != "" && !evm.SameAddress(ev.Address, m.Target) {
				continue
			}
			if m.OutsideAllowlist {
				// topic 2 is the spender, operator or recipient.
				if len(ev.Topics) < 3 || allowed[evm.TopicAddress(ev.Topics[2])] {
					continue
				}
			}
			return fmt.Sprintf("event #%d %s at %s", ev.Index, m.Event, ev.Address), true
		}
		return "", false
	}

	for i, c := range input.Outcome.Calls {
		if m.Selector != "" && !strings.EqualFold(c.Selector, m.Selector) {
			continue
		}
		if m.Target != "" && !evm.SameAddress(c.To, m.Target) {
			continue
		}
		if m.CallType != "" && !strings.EqualFold(c.Type, m.CallType) {
			continue
		}
		if c.Depth < m.MinDepth {
			continue
		}
		if m.OutsideAllowlist && allowed[evm.Lower(c.To)] {
			continue
		}
		if m.InputRegex != "" && !e.regexCache[rule.Name].MatchString(c.Input) {
			continue
		}
		return fmt.Sprintf("call #%d to %s", i, c.To), true
	}
	return "", false
}
