package store

import (
	"context"
	"time"

	"github.com/JakeFAU/scanengine/internal/scan"
)

// Repository persists scan records.
type Repository interface {
	// Insert stores a new scan. It returns scan.ErrSlugTaken when the slug
	// collides with an existing row and leaves the store unchanged.
	Insert(ctx context.Context, s scan.Scan) error
	// FindByID returns the scan or scan.ErrNotFound.
	FindByID(ctx context.Context, id string) (scan.Scan, error)
	// Update applies patch atomically via scan.Scan.Apply and returns the
	// updated record. Unknown ids yield scan.ErrNotFound.
	Update(ctx context.Context, id string, patch scan.Patch, now time.Time) (scan.Scan, error)
	// FindLatest returns the most recently updated scan with the given
	// normalized input and status, updated at or after since. It returns
	// scan.ErrNotFound when there is none.
	FindLatest(ctx context.Context, normalizedInput string, status scan.Status, since time.Time) (scan.Scan, error)
}
