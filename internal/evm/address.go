package evm

import (
	"fmt"
	"regexp"
	"strings"
)

// Native is the asset id of a chain's native currency.
const Native = "native"

// ZeroAddress is the all-zero address.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return addressRe.MatchString(s)
}

// NormalizeAddress validates s and returns it lowercased.
func NormalizeAddress(s string) (string, error) {
	if !IsAddress(s) {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return strings.ToLower(s), nil
}

// Lower lowercases an address without validating it.
func Lower(s string) string { return strings.ToLower(s) }

// TopicAddress extracts the address packed into the low 20 bytes of a
// 32-byte topic or ABI word.
func TopicAddress(topic string) string {
	t := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(t) < 40 {
		return ""
	}
	return "0x" + t[len(t)-40:]
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
