package api

import "fmt"

// ErrorKind is the caller-facing category of an AuditError.
type ErrorKind string

const (
	KindInfrastructure         ErrorKind = "infrastructure"
	KindAttestationUnavailable ErrorKind = "attestation-unavailable"
	KindInvalidRequest         ErrorKind = "invalid-request"
)

// Error codes carried by AuditError.
const (
	CodeForkUnavailable        = "FORK_UNAVAILABLE"
	CodeForkPoolExhausted      = "FORK_POOL_EXHAUSTED"
	CodeClassifierUnavailable  = "CLASSIFIER_UNAVAILABLE"
	CodeAttestationUnavailable = "ATTESTATION_UNAVAILABLE"
	CodeInvalidRequest         = "INVALID_REQUEST"
)

// AuditError is returned by the audit entry point when no attested record
// can be produced.
type AuditError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AuditError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *AuditError) Unwrap() error { return e.Err }

// Is matches another AuditError by kind and, when set, code.
func (e *AuditError) Is(target error) bool {
	t, ok := target.(*AuditError)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinel values usable with errors.Is.
var (
	ErrInfrastructure         = &AuditError{Kind: KindInfrastructure}
	ErrAttestationUnavailable = &AuditError{Kind: KindAttestationUnavailable}
	ErrInvalidRequest         = &AuditError{Kind: KindInvalidRequest}
)
