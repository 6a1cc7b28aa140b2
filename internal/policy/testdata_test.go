package policy

import (
	"strings"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
)

const (
	testSender   = "0x9999999999999999999999999999999999999999"
	testLido     = "0xae7ab96520de3a18e5e111b5eaab095312d7fe84"
	testAttacker = "0x6666666666666666666666666666666666666666"
	testUSDC     = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
)

func topicWord(addr string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(addr, "0x")
}

// phishingInput is a "stake on Lido" transaction that instead approves an
// unknown spender.
func phishingInput() *EvalInput {
	return &EvalInput{
		Transaction: api.Transaction{From: testSender, To: testUSDC, ChainID: 1},
		Expectation: &api.Expectation{
			Action:                api.ActionStake,
			AllowedCounterparties: []string{testLido},
		},
		Outcome: &api.SimulationOutcome{
			Success: true,
			Calls: []api.CallFrame{
				{Depth: 0, Type: "CALL", From: testSender, To: testUSDC, Selector: evm.SelectorApprove, Input: evm.SelectorApprove + strings.Repeat("0", 24) + strings.TrimPrefix(testAttacker, "0x")},
			},
			Events: []api.Event{{
				Address: testUSDC,
				Topics:  []string{evm.TopicApproval, topicWord(testSender), topicWord(testAttacker)},
				Data:    "0x" + strings.Repeat("f", 64),
				Index:   0,
			}},
			GasUsed: 46000,
		},
	}
}

// cleanInput is a plain Lido stake.
func cleanInput() *EvalInput {
	return &EvalInput{
		Transaction: api.Transaction{From: testSender, To: testLido, ChainID: 1, Value: "10000000000000000000"},
		Expectation: &api.Expectation{
			Action:                api.ActionStake,
			AllowedCounterparties: []string{testLido},
		},
		Outcome: &api.SimulationOutcome{
			Success: true,
			Calls:   []api.CallFrame{{Depth: 0, Type: "CALL", From: testSender, To: testLido, Value: "10000000000000000000"}},
			Events:  []api.Event{},
			GasUsed: 80000,
		},
	}
}
