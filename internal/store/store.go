package store

import (
	"context"
	"time"

	"server/internal/domain"
)

// RecordStore is the durable row storage behind batch records. None of the
// implementations offer compare-and-swap: Patch overwrites exactly the fields
// supplied and nothing else, so callers racing on read-modify-write must
// serialize among themselves.
type RecordStore interface {
	// Name identifies the backend in logs and the health endpoint.
	Name() string

	Create(ctx context.Context, rec *domain.BatchRecord) (string, error)
	Get(ctx context.Context, id string) (*domain.BatchRecord, error)
	Patch(ctx context.Context, id string, patch domain.BatchPatch) error

	// QueryStale returns records still processing whose last update is
	// strictly before cutoff.
	QueryStale(ctx context.Context, cutoff time.Time) ([]domain.BatchRecord, error)
}
