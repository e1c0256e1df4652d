package models

import "time"

// LookupResult is the payload written to the results topic.
type LookupResult struct {
	RequestID  string      `json:"request_id"`
	Query      string      `json:"query"`
	Summary    BookSummary `json:"summary"`
	ResolvedAt time.Time   `json:"resolved_at"`
}
