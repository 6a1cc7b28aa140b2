package evm

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes the concatenation of data with legacy (pre-NIST) Keccak-256.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Selector returns the 4-byte function selector for a canonical signature
// such as "approve(address,uint256)", as 0x-prefixed hex.
func Selector(signature string) string {
	return "0x" + hex.EncodeToString(Keccak256([]byte(signature))[:4])
}

// EventTopic returns topic0 for a canonical event signature.
func EventTopic(signature string) string {
	return "0x" + hex.EncodeToString(Keccak256([]byte(signature)))
}

// Function and event signatures the reconciler and policy engines inspect.
var (
	SelectorApprove           = Selector("approve(address,uint256)")
	SelectorIncreaseAllowance = Selector("increaseAllowance(address,uint256)")
	SelectorPermit            = Selector("permit(address,address,uint256,uint256,uint8,bytes32,bytes32)")
	SelectorSetApprovalForAll = Selector("setApprovalForAll(address,bool)")
	SelectorTransfer          = Selector("transfer(address,uint256)")
	SelectorTransferFrom      = Selector("transferFrom(address,address,uint256)")
	SelectorTransferOwnership = Selector("transferOwnership(address)")

	TopicTransfer       = EventTopic("Transfer(address,address,uint256)")
	TopicApproval       = EventTopic("Approval(address,address,uint256)")
	TopicApprovalForAll = EventTopic("ApprovalForAll(address,address,bool)")
)

// FlashLoanSelectors maps the lending entry points and borrower callbacks of
// Aave, Balancer and ERC-3156 lenders to their names.
var FlashLoanSelectors = map[string]string{
	Selector("flashLoan(address,address[],uint256[],uint256[],address,bytes,uint16)"): "flashLoan",
	Selector("flashLoanSimple(address,address,uint256,bytes,uint16)"):                 "flashLoanSimple",
	Selector("flashLoan(address,address[],uint256[],bytes)"):                          "flashLoan",
	Selector("flashLoan(address,address,uint256,bytes)"):                              "flashLoan",
	Selector("executeOperation(address[],uint256[],uint256[],address,bytes)"):         "executeOperation",
	Selector("executeOperation(address,uint256,uint256,address,bytes)"):               "executeOperation",
	Selector("onFlashLoan(address,address,uint256,uint256,bytes)"):                    "onFlashLoan",
	Selector("receiveFlashLoan(address[],uint256[],uint256[],bytes)"):                 "receiveFlashLoan",
}

// EventNames maps well-known topic0 values to event names.
var EventNames = map[string]string{
	TopicTransfer:       "Transfer",
	TopicApproval:       "Approval",
	TopicApprovalForAll: "ApprovalForAll",
}
