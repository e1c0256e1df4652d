package models

import "time"

// Lookup status values as stored in Redis.
const (
	StatusQueued = "queued"
	StatusDone   = "done"
	StatusFailed = "failed"
)

// LookupStatus tracks the state of a lookup request. Summary is set once
// the worker resolves the query; Error is set when it gives up.
type LookupStatus struct {
	RequestID  string       `json:"request_id"`
	Query      string       `json:"query"`
	Status     string       `json:"status"`
	Summary    *BookSummary `json:"summary,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt time.Time    `json:"resolved_at,omitempty"`
}
