package patient

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// Patch merges fields into the stored record, bumps its version and
	// optionally moves it to status. expectedVersion 0 skips the version check.
	Patch(ctx context.Context, id uuid.UUID, fields Fields, status Status, expectedVersion int) (*Record, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter) ([]*Record, int, error)

	// ReferencesFileKey reports whether any record's scanFiles holds key.
	ReferencesFileKey(ctx context.Context, key string) (bool, error)
}
