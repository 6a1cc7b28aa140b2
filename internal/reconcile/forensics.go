package reconcile

import (
	"fmt"
	"strings"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
)

// reentryLimit is the nesting at which a contract re-entering itself is
// flagged even when it is an allowed counterparty.
const reentryLimit = 4

type forensicCheck struct {
	name  string
	check func(tx api.Transaction, allowed map[string]bool, calls []api.CallFrame) string
}

// forensicChecks run on every outcome, independently of the intent. Each
// returns a description of the first offending frame, or "".
var forensicChecks = []forensicCheck{
	{"delegatecall", checkDelegateCall},
	{"reentrancy", checkReentrancy},
	{"flash_loan", checkFlashLoan},
}

// forensics reports only the checks that fired.
func forensics(tx api.Transaction, exp *api.Expectation, out *api.SimulationOutcome) []api.DimensionResult {
	if len(out.Calls) == 0 {
		return nil
	}
	allowed := addressSet(exp.AllowedCounterparties)
	allowed[evm.Lower(tx.From)] = true

	var dims []api.DimensionResult
	for _, fc := range forensicChecks {
		v := fc.check(tx, allowed, out.Calls)
		if v == "" {
			continue
		}
		dims = append(dims, api.DimensionResult{
			Dimension: forensicPrefix + fc.name,
			Expected:  "absent",
			Observed:  v,
			Status:    api.StatusHardMismatch,
			Semantic:  out.Success,
			Detail:    v,
		})
	}
	return dims
}

// checkDelegateCall flags code borrowed into the sender's own account, as a
// smart account or delegated EOA does, from an address the intent does not
// name. Proxies delegating to their implementation are not the sender and
// are left alone.
func checkDelegateCall(tx api.Transaction, allowed map[string]bool, calls []api.CallFrame) string {
	for i, f := range calls {
		if f.Error != "" || !strings.EqualFold(f.Type, "DELEGATECALL") {
			continue
		}
		if !evm.SameAddress(f.From, tx.From) || allowed[evm.Lower(f.To)] {
			continue
		}
		return fmt.Sprintf("call #%d delegates the sender's account to %s", i, evm.Lower(f.To))
	}
	return ""
}

// checkReentrancy walks the call tree and flags a contract that is called
// again while one of its own frames is still executing, when the contract is
// outside the allowed set or nests reentryLimit deep.
func checkReentrancy(tx api.Transaction, allowed map[string]bool, calls []api.CallFrame) string {
	sender := evm.Lower(tx.From)
	// stack[d] is the account whose code context runs at depth d.
	var stack []string
	for i, f := range calls {
		if f.Depth < len(stack) {
			stack = stack[:max(f.Depth, 0)]
		}
		ctx := evm.Lower(f.To)
		if strings.EqualFold(f.Type, "DELEGATECALL") || strings.EqualFold(f.Type, "CALLCODE") {
			ctx = evm.Lower(f.From)
		}

		if f.Error == "" && !strings.EqualFold(f.Type, "STATICCALL") && ctx != sender {
			nesting := 1
			for _, a := range stack {
				if a == ctx {
					nesting++
				}
			}
			if nesting > 1 && (!allowed[ctx] || nesting >= reentryLimit) {
				return fmt.Sprintf("call #%d re-enters %s at depth %d (nesting %d)", i, ctx, f.Depth, nesting)
			}
		}
		stack = append(stack, ctx)
	}
	return ""
}

// checkFlashLoan flags a lender entry point or borrower callback. No user
// intent the classifier understands involves borrowing inside the
// transaction.
func checkFlashLoan(_ api.Transaction, _ map[string]bool, calls []api.CallFrame) string {
	for i, f := range calls {
		if f.Error != "" {
			continue
		}
		if name, ok := evm.FlashLoanSelectors[frameSelector(f)]; ok {
			return fmt.Sprintf("call #%d invokes %s on %s", i, name, evm.Lower(f.To))
		}
	}
	return ""
}

func frameSelector(f api.CallFrame) string {
	if f.Selector != "" {
		return strings.ToLower(f.Selector)
	}
	if len(f.Input) >= 10 {
		return strings.ToLower(f.Input[:10])
	}
	return ""
}
