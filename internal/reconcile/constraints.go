package reconcile

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
)

// checkFunc returns a description of the first violation, or "".
type checkFunc func(tx api.Transaction, exp *api.Expectation, c api.HardConstraint, out *api.SimulationOutcome) string

var checks = map[api.ConstraintKind]checkFunc{
	api.ConstraintApprovalAllowlisted:     checkApprovals,
	api.ConstraintCounterpartyAllowlisted: checkCounterparty,
	api.ConstraintRecipientMatches:        checkRecipient,
	api.ConstraintNoUnexpectedOutflow:     checkOutflows,
}

func addressSet(addrs []string) map[string]bool {
	s := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		s[evm.Lower(a)] = true
	}
	return s
}

// checkApprovals flags any non-zero approval the sender grants to an address
// outside the constraint's set, whether seen as an event or as a direct call.
func checkApprovals(tx api.Transaction, _ *api.Expectation, c api.HardConstraint, out *api.SimulationOutcome) string {
	allowed := addressSet(c.Addresses)
	sender := evm.Lower(tx.From)

	for _, ev := range out.Events {
		a, ok := evm.DecodeApproval(ev)
		if !ok || a.Owner != sender || a.Amount.Sign() == 0 {
			continue
		}
		if !allowed[a.Spender] {
			kind := "approval"
			if a.ForAll {
				kind = "operator approval"
			}
			return fmt.Sprintf("%s on %s granted to %s", kind, a.Token, a.Spender)
		}
	}

	for _, f := range out.Calls {
		if f.Error != "" || !evm.SameAddress(f.From, sender) {
			continue
		}
		call, err := evm.DecodeCalldata(f.Input)
		if err != nil || call.Args == nil {
			continue
		}
		spender := call.Args["spender"]
		if spender == "" {
			spender = call.Args["operator"]
		}
		if spender == "" {
			continue
		}
		if call.Args["amount"] == "0" || call.Args["approved"] == "false" {
			continue
		}
		if !allowed[spender] {
			return fmt.Sprintf("%s call on %s grants %s", call.Method, f.To, spender)
		}
	}
	return ""
}

func checkCounterparty(tx api.Transaction, _ *api.Expectation, c api.HardConstraint, _ *api.SimulationOutcome) string {
	if tx.To == "" {
		return "contract creation has no allowed counterparty"
	}
	if !addressSet(c.Addresses)[evm.Lower(tx.To)] {
		return "transaction target " + evm.Lower(tx.To) + " is not an allowed counterparty"
	}
	return ""
}

// checkRecipient requires every native value movement and token transfer out
// of the sender to go to the named recipient.
func checkRecipient(tx api.Transaction, _ *api.Expectation, c api.HardConstraint, out *api.SimulationOutcome) string {
	if len(c.Addresses) == 0 {
		return ""
	}
	recipient := evm.Lower(c.Addresses[0])
	sender := evm.Lower(tx.From)

	for _, f := range out.Calls {
		if f.Error != "" || !evm.SameAddress(f.From, sender) {
			continue
		}
		v, err := evm.ParseInt(f.Value)
		if err != nil || v.Sign() <= 0 {
			continue
		}
		// A token transfer call carries no value; a native send must hit the
		// recipient directly.
		if !evm.SameAddress(f.To, recipient) {
			return fmt.Sprintf("native value sent to %s instead of %s", evm.Lower(f.To), recipient)
		}
	}
	for _, ev := range out.Events {
		t, ok := evm.DecodeTransfer(ev)
		if !ok || t.From != sender || t.Amount.Sign() == 0 {
			continue
		}
		if t.To != recipient {
			return fmt.Sprintf("%s transferred to %s instead of %s", t.Token, t.To, recipient)
		}
	}
	return ""
}

// checkOutflows requires every asset leaving the sender to be an expected
// outflow.
func checkOutflows(_ api.Transaction, exp *api.Expectation, _ api.HardConstraint, out *api.SimulationOutcome) string {
	expectedOut := map[string]bool{}
	for _, d := range exp.AssetDeltas {
		if d.Direction == api.DirectionOut {
			expectedOut[evm.Lower(d.Asset)] = true
		}
	}
	for _, d := range out.AssetDeltas {
		v, err := evm.ParseInt(d.Amount)
		if err != nil || v.Sign() >= 0 {
			continue
		}
		if !expectedOut[evm.Lower(d.Asset)] {
			return fmt.Sprintf("unexpected outflow of %s %s", new(big.Int).Neg(v), assetLabel(d.Asset, d.Symbol))
		}
	}
	return ""
}

func assetLabel(asset, symbol string) string {
	if symbol != "" {
		return symbol
	}
	if asset == evm.Native {
		return "native"
	}
	return strings.ToLower(asset)
}
