package filter

import (
	"net/http"
	"time"

	"github.com/tkingovr/txguard/api"
)

// FilterContext carries one inbound audit request through the chain.
type FilterContext struct {
	// Raw is the request body as received.
	Raw []byte

	// Request is the decoded request (set by ParseFilter).
	Request *api.AuditRequest

	// CallerKey identifies the caller for allow-listing and rate limiting.
	// The server may preset it from a header; otherwise ParseFilter uses
	// the request's caller id.
	CallerKey string

	// StartTime records when the request entered the chain.
	StartTime time.Time

	// Halted indicates the request was rejected.
	Halted bool

	// HaltedBy names the filter that rejected the request.
	HaltedBy string

	// Status, Code, Rule and Message describe the rejection.
	Status  int
	Code    string
	Rule    string
	Message string
}

// NewFilterContext creates a new FilterContext for a raw body.
func NewFilterContext(raw []byte, callerKey string) *FilterContext {
	return &FilterContext{
		Raw:       raw,
		CallerKey: callerKey,
		StartTime: time.Now(),
	}
}

// Halt rejects the request.
func (fc *FilterContext) Halt(status int, code, rule, message string) {
	fc.Halted = true
	fc.Status = status
	fc.Code = code
	fc.Rule = rule
	fc.Message = message
}

// Rejection codes.
const (
	CodeInvalidRequest  = api.CodeInvalidRequest
	CodeSecretDetected  = "SECRET_DETECTED"
	CodeCallerForbidden = "CALLER_FORBIDDEN"
	CodeRateLimited     = "RATE_LIMITED"
)

var statusFor = map[string]int{
	CodeInvalidRequest:  http.StatusBadRequest,
	CodeSecretDetected:  http.StatusUnprocessableEntity,
	CodeCallerForbidden: http.StatusForbidden,
	CodeRateLimited:     http.StatusTooManyRequests,
}

func (fc *FilterContext) reject(code, rule, message string) {
	fc.Halt(statusFor[code], code, rule, message)
}
