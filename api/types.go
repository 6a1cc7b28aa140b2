package api

import "time"

// ActionKind is the category of on-chain action an intent describes.
type ActionKind string

const (
	ActionTransfer ActionKind = "transfer"
	ActionSwap     ActionKind = "swap"
	ActionStake    ActionKind = "stake"
	ActionApprove  ActionKind = "approve"
	ActionOther    ActionKind = "other"
)

// Direction is the expected sign of an asset delta from the sender's view.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// DimensionStatus is the per-dimension reconciliation result.
type DimensionStatus string

const (
	StatusMatch        DimensionStatus = "match"
	StatusSoftMismatch DimensionStatus = "soft-mismatch"
	StatusHardMismatch DimensionStatus = "hard-mismatch"
)

// Classification summarizes a Finding for the reflection controller.
type Classification string

const (
	ClassTechnicalFailure Classification = "technical-failure"
	ClassIntentMismatch   Classification = "intent-mismatch"
	ClassConclusivePass   Classification = "conclusive-pass"
)

// Disposition is the final categorical verdict.
type Disposition string

const (
	DispositionPass   Disposition = "PASS"
	DispositionAdvise Disposition = "ADVISE"
	DispositionStop   Disposition = "STOP"
)

// ConstraintKind identifies a built-in hard constraint predicate.
type ConstraintKind string

const (
	ConstraintApprovalAllowlisted     ConstraintKind = "approval-allowlisted"
	ConstraintCounterpartyAllowlisted ConstraintKind = "counterparty-allowlisted"
	ConstraintRecipientMatches        ConstraintKind = "recipient-matches"
	ConstraintNoUnexpectedOutflow     ConstraintKind = "no-unexpected-outflow"
)

// AuditRequest is the caller-supplied input to an audit. Immutable once accepted.
type AuditRequest struct {
	Intent      string         `json:"intent"`
	Transaction Transaction    `json:"transaction"`
	Quote       []QuotedAmount `json:"quote,omitempty"`
	Caller      CallerMetadata `json:"caller"`
}

// Transaction is the proposed transaction to audit.
type Transaction struct {
	From           string                   `json:"from"`
	To             string                   `json:"to"`
	Data           string                   `json:"data,omitempty"`
	Value          string                   `json:"value,omitempty"`
	ChainID        uint64                   `json:"chain_id"`
	GasLimit       uint64                   `json:"gas_limit,omitempty"`
	BlockNumber    uint64                   `json:"block_number,omitempty"`
	StateOverrides map[string]StateOverride `json:"state_overrides,omitempty"`
}

// StateOverride replaces account state in the fork before execution.
type StateOverride struct {
	Balance   string            `json:"balance,omitempty"`
	Nonce     *uint64           `json:"nonce,omitempty"`
	Code      string            `json:"code,omitempty"`
	StateDiff map[string]string `json:"state_diff,omitempty"`
}

// QuotedAmount is an amount the dApp quoted for an asset, in human units.
type QuotedAmount struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// CallerMetadata is opaque to the pipeline; it is recorded for trust scoring.
type CallerMetadata struct {
	ID     string            `json:"id,omitempty"`
	Source string            `json:"source,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Expectation is the structured, checkable form of an intent.
type Expectation struct {
	Action                ActionKind       `json:"action"`
	AssetDeltas           []AssetDelta     `json:"asset_deltas"`
	AllowedCounterparties []string         `json:"allowed_counterparties"`
	HardConstraints       []HardConstraint `json:"hard_constraints"`
}

// AssetDelta is one expected balance movement of the sender.
type AssetDelta struct {
	Asset     string    `json:"asset"`
	Symbol    string    `json:"symbol,omitempty"`
	Direction Direction `json:"direction"`
	// Magnitude is in base units. Empty means only the direction is checked.
	Magnitude    string  `json:"magnitude,omitempty"`
	TolerancePct float64 `json:"tolerance_pct"`
	AllowZero    bool    `json:"allow_zero,omitempty"`
}

// HardConstraint is a boolean predicate that must hold exactly.
type HardConstraint struct {
	ID          string         `json:"id"`
	Kind        ConstraintKind `json:"kind"`
	Description string         `json:"description"`
	Addresses   []string       `json:"addresses,omitempty"`
}

// SimulationParams are the knobs the reflection controller may adjust.
type SimulationParams struct {
	GasLimit       uint64                   `json:"gas_limit"`
	BlockNumber    uint64                   `json:"block_number,omitempty"`
	StateOverrides map[string]StateOverride `json:"state_overrides,omitempty"`
	RPCTarget      int                      `json:"rpc_target"`
	Strategy       string                   `json:"strategy,omitempty"`
}

// SimulationOutcome is what the fork observed when executing the transaction.
type SimulationOutcome struct {
	Success      bool            `json:"success"`
	RevertReason string          `json:"revert_reason,omitempty"`
	AssetDeltas  []ObservedDelta `json:"asset_deltas"`
	Calls        []CallFrame     `json:"calls"`
	Events       []Event         `json:"events"`
	GasUsed      uint64          `json:"gas_used"`
	BlockNumber  uint64          `json:"block_number,omitempty"`
}

// ObservedDelta is a signed balance change of the sender in base units.
// Gas fees are excluded.
type ObservedDelta struct {
	Asset  string `json:"asset"`
	Symbol string `json:"symbol,omitempty"`
	Amount string `json:"amount"`
}

// CallFrame is one entry of the flattened call graph, in execution order.
type CallFrame struct {
	Depth    int    `json:"depth"`
	Type     string `json:"type"`
	From     string `json:"from"`
	To       string `json:"to"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	Input    string `json:"input,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Event is an emitted log.
type Event struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data,omitempty"`
	Index   int      `json:"index"`
}

// Finding is the reconciliation of one outcome against the expectation.
type Finding struct {
	Dimensions     []DimensionResult `json:"dimensions"`
	RiskScore      float64           `json:"risk_score"`
	Classification Classification    `json:"classification"`
}

// DimensionResult is the verdict for one checked dimension.
type DimensionResult struct {
	Dimension    string          `json:"dimension"`
	Status       DimensionStatus `json:"status"`
	Expected     string          `json:"expected,omitempty"`
	Observed     string          `json:"observed,omitempty"`
	DeviationPct float64         `json:"deviation_pct,omitempty"`
	TolerancePct float64         `json:"tolerance_pct,omitempty"`
	Semantic     bool            `json:"semantic,omitempty"`
	Detail       string          `json:"detail,omitempty"`
}

// Attempt groups one simulation run with its finding.
type Attempt struct {
	Seq     int                `json:"seq"`
	Params  SimulationParams   `json:"params"`
	Outcome *SimulationOutcome `json:"outcome,omitempty"`
	Finding Finding            `json:"finding"`
	// Error is set when the simulation did not complete.
	Error string `json:"error,omitempty"`
}

// Verdict is the final judgment over all attempts.
type Verdict struct {
	Disposition Disposition            `json:"disposition"`
	Confidence  float64                `json:"confidence"`
	Rationale   []Reason               `json:"rationale"`
	Recommended *RecommendedParameters `json:"recommended,omitempty"`
	Attempts    []int                  `json:"attempts"`
	Incomplete  bool                   `json:"incomplete,omitempty"`
}

// Reason is one structured rationale entry. Attempt is -1 for request-level reasons.
type Reason struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Attempt   int    `json:"attempt"`
	Dimension string `json:"dimension,omitempty"`
}

// RecommendedParameters accompany an ADVISE disposition.
type RecommendedParameters struct {
	Action               string  `json:"action"`
	Asset                string  `json:"asset,omitempty"`
	RequiredTolerancePct float64 `json:"required_tolerance_pct,omitempty"`
	MinimumAmount        string  `json:"minimum_amount,omitempty"`
	GasLimit             uint64  `json:"gas_limit,omitempty"`
}

// TranscriptVersion is bumped whenever the canonical transcript layout changes.
const TranscriptVersion = 1

// Transcript is everything the digest covers.
type Transcript struct {
	Version     int          `json:"version"`
	Request     AuditRequest `json:"request"`
	Expectation *Expectation `json:"expectation,omitempty"`
	Attempts    []Attempt    `json:"attempts"`
	Verdict     Verdict      `json:"verdict"`
}

// AttestationRecord is the signed, content-addressed result of an audit.
type AttestationRecord struct {
	Digest     string     `json:"digest"`
	Signature  []byte     `json:"signature"`
	Signer     string     `json:"signer"`
	CreatedAt  time.Time  `json:"created_at"`
	RequestID  string     `json:"request_id,omitempty"`
	Transcript Transcript `json:"transcript"`
}

// LastAttempt returns the final attempt of the transcript, or nil.
func (t *Transcript) LastAttempt() *Attempt {
	if len(t.Attempts) == 0 {
		return nil
	}
	return &t.Attempts[len(t.Attempts)-1]
}
