package models

import "time"

// LookupJob represents a unit of work for the lookup request topic.
type LookupJob struct {
	RequestID string    `json:"request_id"`
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"created_at"`
}
