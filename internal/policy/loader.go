package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/txguard/internal/evm"
)

var callTypes = map[string]bool{
	"CALL": true, "DELEGATECALL": true, "STATICCALL": true, "CALLCODE": true, "CREATE": true, "CREATE2": true,
}

// LoadFile reads and validates a YAML rule file.
func LoadFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates YAML rule data.
func LoadBytes(data []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rule YAML: %w", err)
	}
	if err := validate(&rf); err != nil {
		return nil, err
	}
	return &rf, nil
}

func validate(rf *RuleFile) error {
	if rf.Version != 1 {
		return fmt.Errorf("unsupported rule file version: %d (expected 1)", rf.Version)
	}

	validEvents := map[string]bool{}
	for _, name := range evm.EventNames {
		validEvents[name] = true
	}

	seen := map[string]bool{}
	for i, rule := range rf.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if seen[rule.Name] {
			return fmt.Errorf("rule %q: duplicate name", rule.Name)
		}
		seen[rule.Name] = true

		m := rule.Match
		if m.empty() {
			return fmt.Errorf("rule %q: at least one match condition is required", rule.Name)
		}
		if m.Event != "" && !validEvents[m.Event] {
			return fmt.Errorf("rule %q: unknown event %q", rule.Name, m.Event)
		}
		if m.CallType != "" {
			if m.Event != "" {
				return fmt.Errorf("rule %q: call_type does not apply to events", rule.Name)
			}
			if !callTypes[strings.ToUpper(m.CallType)] {
				return fmt.Errorf("rule %q: unknown call_type %q", rule.Name, m.CallType)
			}
		}
		if m.Target != "" && !evm.IsAddress(m.Target) {
			return fmt.Errorf("rule %q: target %q is not an address", rule.Name, m.Target)
		}
		if m.InputRegex != "" {
			if _, err := regexp.Compile(m.InputRegex); err != nil {
				return fmt.Errorf("rule %q: input_regex invalid: %w", rule.Name, err)
			}
		}
	}

	return nil
}
