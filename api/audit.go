package api

import "time"

// QueryFilter specifies criteria for querying stored attestation records.
type QueryFilter struct {
	Since          time.Time   `json:"since,omitempty"`
	Until          time.Time   `json:"until,omitempty"`
	Disposition    Disposition `json:"disposition,omitempty"`
	Action         ActionKind  `json:"action,omitempty"`
	ChainID        uint64      `json:"chain_id,omitempty"`
	IncompleteOnly bool        `json:"incomplete_only,omitempty"`
	Limit          int         `json:"limit,omitempty"`
	Offset         int         `json:"offset,omitempty"`
}

// AuditStats holds aggregate statistics over stored records.
type AuditStats struct {
	Total      int            `json:"total"`
	Pass       int            `json:"pass"`
	Advise     int            `json:"advise"`
	Stop       int            `json:"stop"`
	Incomplete int            `json:"incomplete"`
	ByAction   map[string]int `json:"by_action"`
	ByChain    map[string]int `json:"by_chain"`
}

// Action returns the expectation's action kind, or "" when no expectation
// could be established.
func (r *AttestationRecord) Action() ActionKind {
	if r.Transcript.Expectation == nil {
		return ""
	}
	return r.Transcript.Expectation.Action
}

// Matches reports whether the record satisfies every set field of the filter.
// Limit and Offset are ignored.
func (f QueryFilter) Matches(r *AttestationRecord) bool {
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.CreatedAt.After(f.Until) {
		return false
	}
	if f.Disposition != "" && r.Transcript.Verdict.Disposition != f.Disposition {
		return false
	}
	if f.Action != "" && r.Action() != f.Action {
		return false
	}
	if f.ChainID != 0 && r.Transcript.Request.Transaction.ChainID != f.ChainID {
		return false
	}
	if f.IncompleteOnly && !r.Transcript.Verdict.Incomplete {
		return false
	}
	return true
}
