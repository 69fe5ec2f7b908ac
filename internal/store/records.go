package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/scan"
)

// DefaultSlugAttempts bounds slug regeneration on collision.
const DefaultSlugAttempts = 5

// Slugger produces candidate public slugs.
type Slugger interface {
	NewSlug() (string, error)
}

// Records is the record store used by the orchestrator, synchronizer and
// workers. It owns id generation and slug uniqueness; persistence is
// delegated to a Repository.
type Records struct {
	repo         Repository
	ids          scan.IDGenerator
	slugs        Slugger
	clock        scan.Clock
	slugAttempts int
	logger       *zap.Logger
}

// NewRecords wires a Records service. slugAttempts <= 0 uses DefaultSlugAttempts.
func NewRecords(
	repo Repository,
	ids scan.IDGenerator,
	slugs Slugger,
	clock scan.Clock,
	slugAttempts int,
	logger *zap.Logger,
) *Records {
	if slugAttempts <= 0 {
		slugAttempts = DefaultSlugAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Records{
		repo:         repo,
		ids:          ids,
		slugs:        slugs,
		clock:        clock,
		slugAttempts: slugAttempts,
		logger:       logger,
	}
}

// Create persists a new queued scan with a fresh id and a unique slug.
func (r *Records) Create(ctx context.Context, in scan.NewScan) (scan.Scan, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return scan.Scan{}, fmt.Errorf("%w: generate id: %v", scan.ErrStoreUnavailable, err)
	}
	now := r.clock.Now()
	rec := scan.Scan{
		ID:              id,
		TargetType:      in.TargetType,
		Input:           in.Input,
		NormalizedInput: in.NormalizedInput,
		Status:          scan.StatusQueued,
		Progress:        0,
		Meta:            in.Meta,
		Source:          in.Source,
		RequestID:       in.RequestID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for attempt := 1; attempt <= r.slugAttempts; attempt++ {
		slug, err := r.slugs.NewSlug()
		if err != nil {
			return scan.Scan{}, fmt.Errorf("%w: generate slug: %v", scan.ErrStoreUnavailable, err)
		}
		rec.Slug = slug
		err = r.repo.Insert(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, scan.ErrSlugTaken) {
			return scan.Scan{}, storeErr("insert scan", err)
		}
		r.logger.Debug("slug collision",
			zap.String("scan_id", id),
			zap.String("slug", slug),
			zap.Int("attempt", attempt),
		)
	}
	return scan.Scan{}, fmt.Errorf("%w: after %d attempts", scan.ErrSlugExhausted, r.slugAttempts)
}

// FindByID returns the scan with id or scan.ErrNotFound.
func (r *Records) FindByID(ctx context.Context, id string) (scan.Scan, error) {
	rec, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return scan.Scan{}, storeErr("find scan", err)
	}
	return rec, nil
}

// Update applies patch to the scan with id.
func (r *Records) Update(ctx context.Context, id string, patch scan.Patch) (scan.Scan, error) {
	rec, err := r.repo.Update(ctx, id, patch, r.clock.Now())
	if err != nil {
		return scan.Scan{}, storeErr("update scan", err)
	}
	return rec, nil
}

// FindLatest proxies to the repository for dedup lookups.
func (r *Records) FindLatest(
	ctx context.Context,
	normalizedInput string,
	status scan.Status,
	since time.Time,
) (scan.Scan, error) {
	rec, err := r.repo.FindLatest(ctx, normalizedInput, status, since)
	if err != nil {
		return scan.Scan{}, storeErr("find latest scan", err)
	}
	return rec, nil
}

// storeErr keeps domain sentinels intact and tags everything else as a
// store outage.
func storeErr(op string, err error) error {
	if errors.Is(err, scan.ErrNotFound) ||
		errors.Is(err, scan.ErrInvalidTransition) ||
		errors.Is(err, scan.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, scan.ErrStoreUnavailable, err)
}
