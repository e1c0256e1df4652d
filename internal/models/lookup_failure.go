package models

import "time"

// LookupFailure captures a failed lookup job for the DLQ.
type LookupFailure struct {
	RequestID string    `json:"request_id"`
	Query     string    `json:"query"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}
