package policy

// RuleFile represents the top-level YAML rule configuration.
type RuleFile struct {
	Version int    `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Rule flags a call frame or event pattern in the simulated execution.
type Rule struct {
	Name    string    `yaml:"name" json:"name"`
	Match   RuleMatch `yaml:"match" json:"match"`
	Message string    `yaml:"message,omitempty" json:"message,omitempty"`
}

// RuleMatch specifies conditions for matching a call frame or an event. All
// set conditions must hold for the same frame or event.
type RuleMatch struct {
	// Event selects events by name (Transfer, Approval, ApprovalForAll)
	// instead of call frames.
	Event      string `yaml:"event,omitempty" json:"event,omitempty"`
	Selector   string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Target     string `yaml:"target,omitempty" json:"target,omitempty"`
	InputRegex string `yaml:"input_regex,omitempty" json:"input_regex,omitempty"`
	MinDepth   int    `yaml:"min_depth,omitempty" json:"min_depth,omitempty"`
	// CallType is the frame's opcode, such as DELEGATECALL. Case is ignored.
	CallType string `yaml:"call_type,omitempty" json:"call_type,omitempty"`
	// OutsideAllowlist matches when the call target, or the event's
	// counterparty, is neither the sender nor an allowed counterparty.
	OutsideAllowlist bool `yaml:"outside_allowlist,omitempty" json:"outside_allowlist,omitempty"`
}

func (m RuleMatch) empty() bool {
	return m.Event == "" && m.Selector == "" && m.Target == "" && m.InputRegex == "" &&
		m.MinDepth == 0 && m.CallType == "" && !m.OutsideAllowlist
}
