package intent

import (
	"context"
	"errors"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
)

// ErrIntentUnparsable means the intent cannot be mapped to a supported
// action kind, so no expectation can be established.
var ErrIntentUnparsable = errors.New("intent unparsable")

// Amount is an amount mentioned in the intent, in human units. Value is
// empty when only the asset was named.
type Amount struct {
	Value  string `json:"value,omitempty"`
	Symbol string `json:"symbol"`
}

// Parsed is the classifier's structured reading of an intent.
type Parsed struct {
	Action api.ActionKind `json:"action"`
	// Amounts are in the order they appear: what the sender gives first,
	// what the sender receives second.
	Amounts     []Amount `json:"amounts,omitempty"`
	SlippagePct *float64 `json:"slippage_pct,omitempty"`
	Protocols   []string `json:"protocols,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
}

// Classifier maps intent text plus the decoded transaction to a Parsed
// intent. Implementations return an error wrapping ErrIntentUnparsable when
// no supported action kind applies.
type Classifier interface {
	Classify(ctx context.Context, text string, call *evm.Call) (*Parsed, error)
}
