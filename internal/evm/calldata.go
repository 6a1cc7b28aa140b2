package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/tkingovr/txguard/api"
)

// Call is a decoded function call. Args holds decoded static arguments as
// strings: addresses lowercased, integers in base 10.
type Call struct {
	Selector string            `json:"selector,omitempty"`
	Method   string            `json:"method,omitempty"`
	Args     map[string]string `json:"args,omitempty"`
}

type argKind int

const (
	argAddress argKind = iota
	argUint
	argBool
)

type abiArg struct {
	name string
	kind argKind
}

type abiMethod struct {
	name string
	args []abiArg
}

var knownMethods = map[string]abiMethod{
	SelectorApprove:           {"approve", []abiArg{{"spender", argAddress}, {"amount", argUint}}},
	SelectorIncreaseAllowance: {"increaseAllowance", []abiArg{{"spender", argAddress}, {"amount", argUint}}},
	SelectorPermit:            {"permit", []abiArg{{"owner", argAddress}, {"spender", argAddress}, {"amount", argUint}, {"deadline", argUint}}},
	SelectorSetApprovalForAll: {"setApprovalForAll", []abiArg{{"operator", argAddress}, {"approved", argBool}}},
	SelectorTransfer:          {"transfer", []abiArg{{"recipient", argAddress}, {"amount", argUint}}},
	SelectorTransferFrom:      {"transferFrom", []abiArg{{"sender", argAddress}, {"recipient", argAddress}, {"amount", argUint}}},
	SelectorTransferOwnership: {"transferOwnership", []abiArg{{"newOwner", argAddress}}},
}

// MethodName returns the known method name for a selector, or "".
func MethodName(selector string) string {
	return knownMethods[strings.ToLower(selector)].name
}

// SelectorOf returns the 0x-prefixed selector of hex calldata, or "" when the
// calldata is shorter than four bytes.
func SelectorOf(data string) string {
	d := strings.ToLower(strings.TrimPrefix(data, "0x"))
	if len(d) < 8 {
		return ""
	}
	return "0x" + d[:8]
}

// DecodeCalldata decodes calldata for the known static-argument methods.
// Unknown selectors yield a Call with only Selector set.
func DecodeCalldata(data string) (*Call, error) {
	d := strings.ToLower(strings.TrimPrefix(data, "0x"))
	if len(d)%2 != 0 {
		return nil, fmt.Errorf("calldata has odd length")
	}
	raw, err := hex.DecodeString(d)
	if err != nil {
		return nil, fmt.Errorf("decoding calldata: %w", err)
	}
	if len(raw) < 4 {
		return &Call{}, nil
	}

	call := &Call{Selector: "0x" + d[:8]}
	m, ok := knownMethods[call.Selector]
	if !ok {
		return call, nil
	}
	body := raw[4:]
	if len(body) < 32*len(m.args) {
		return call, fmt.Errorf("calldata too short for %s", m.name)
	}

	call.Method = m.name
	call.Args = make(map[string]string, len(m.args))
	for i, a := range m.args {
		word := body[i*32 : (i+1)*32]
		switch a.kind {
		case argAddress:
			call.Args[a.name] = "0x" + hex.EncodeToString(word[12:])
		case argUint:
			call.Args[a.name] = new(big.Int).SetBytes(word).String()
		case argBool:
			if new(big.Int).SetBytes(word).Sign() != 0 {
				call.Args[a.name] = "true"
			} else {
				call.Args[a.name] = "false"
			}
		}
	}
	return call, nil
}

// Approval is a decoded ERC-20 Approval or ERC-721/1155 ApprovalForAll log.
type Approval struct {
	Token   string
	Owner   string
	Spender string
	Amount  *big.Int
	ForAll  bool
}

// DecodeApproval decodes Approval and ApprovalForAll events. Revocations
// (zero amount, approved=false) decode with a zero Amount.
func DecodeApproval(ev api.Event) (*Approval, bool) {
	if len(ev.Topics) < 3 {
		return nil, false
	}
	topic0 := strings.ToLower(ev.Topics[0])
	if topic0 != TopicApproval && topic0 != TopicApprovalForAll {
		return nil, false
	}
	a := &Approval{
		Token:   Lower(ev.Address),
		Owner:   TopicAddress(ev.Topics[1]),
		Spender: TopicAddress(ev.Topics[2]),
		ForAll:  topic0 == TopicApprovalForAll,
	}
	// Some ERC-721 tokens index the amount (tokenId) as topic3.
	if len(ev.Topics) > 3 {
		a.Amount = wordInt(ev.Topics[3])
	} else {
		a.Amount = wordInt(ev.Data)
	}
	return a, true
}

// Transfer is a decoded ERC-20 Transfer log.
type Transfer struct {
	Token  string
	From   string
	To     string
	Amount *big.Int
}

// DecodeTransfer decodes a Transfer event with an unindexed amount.
func DecodeTransfer(ev api.Event) (*Transfer, bool) {
	if len(ev.Topics) != 3 || strings.ToLower(ev.Topics[0]) != TopicTransfer {
		return nil, false
	}
	return &Transfer{
		Token:  Lower(ev.Address),
		From:   TopicAddress(ev.Topics[1]),
		To:     TopicAddress(ev.Topics[2]),
		Amount: wordInt(ev.Data),
	}, true
}

func wordInt(h string) *big.Int {
	h = strings.TrimPrefix(strings.ToLower(h), "0x")
	if len(h) > 64 {
		h = h[:64]
	}
	v, ok := new(big.Int).SetString(h, 16)
	if !ok {
		return new(big.Int)
	}
	return v
}
