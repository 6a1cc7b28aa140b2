package api

import (
	"errors"
	"fmt"
	"testing"
)

func TestAuditError_IsByKindAndCode(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("audit: %w", &AuditError{
		Kind:    KindInfrastructure,
		Code:    CodeForkUnavailable,
		Message: "fork did not start",
		Err:     cause,
	})

	if !errors.Is(err, ErrInfrastructure) {
		t.Error("expected errors.Is to match infrastructure kind")
	}
	if !errors.Is(err, &AuditError{Code: CodeForkUnavailable}) {
		t.Error("expected errors.Is to match by code")
	}
	if errors.Is(err, &AuditError{Code: CodeForkPoolExhausted}) {
		t.Error("expected no match for a different code")
	}
	if errors.Is(err, ErrAttestationUnavailable) {
		t.Error("expected no match for a different kind")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}

	var ae *AuditError
	if !errors.As(err, &ae) || ae.Code != CodeForkUnavailable {
		t.Fatalf("errors.As failed: %v", err)
	}
}

func TestQueryFilter_Matches(t *testing.T) {
	rec := &AttestationRecord{
		Transcript: Transcript{
			Request:     AuditRequest{Transaction: Transaction{ChainID: 1}},
			Expectation: &Expectation{Action: ActionSwap},
			Verdict:     Verdict{Disposition: DispositionStop, Incomplete: true},
		},
	}

	cases := []struct {
		name   string
		filter QueryFilter
		want   bool
	}{
		{"empty", QueryFilter{}, true},
		{"disposition", QueryFilter{Disposition: DispositionStop}, true},
		{"wrong disposition", QueryFilter{Disposition: DispositionPass}, false},
		{"action", QueryFilter{Action: ActionSwap}, true},
		{"wrong chain", QueryFilter{ChainID: 137}, false},
		{"incomplete", QueryFilter{IncompleteOnly: true}, true},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(rec); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
