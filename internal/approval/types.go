// Package approval holds ADVISE verdicts for a human decision before the
// transaction is released.
package approval

import (
	"time"

	"github.com/tkingovr/txguard/api"
)

// Status represents the state of a review request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
	StatusCanceled Status = "canceled"
)

// Request is one attested transaction awaiting review.
type Request struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	Digest      string          `json:"digest"`
	Intent      string          `json:"intent"`
	ChainID     uint64          `json:"chain_id"`
	To          string          `json:"to"`
	Action      api.ActionKind  `json:"action"`
	Disposition api.Disposition `json:"disposition"`
	Rationale   []api.Reason    `json:"rationale"`
	Status      Status          `json:"status"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`

	seq int
	// done is closed when the request is resolved
	done chan struct{}
}

// Wait returns a channel closed once the request is resolved.
func (r *Request) Wait() <-chan struct{} {
	return r.done
}
