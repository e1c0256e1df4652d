package store

import (
	"context"

	"bookscout/internal/models"
)

// StatusStore persists lookup request status.
type StatusStore interface {
	SetStatus(ctx context.Context, status models.LookupStatus) error
	GetStatus(ctx context.Context, requestID string) (models.LookupStatus, bool, error)
}
