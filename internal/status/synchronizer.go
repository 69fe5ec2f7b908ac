// Package status reconciles what the record store says about a scan with
// what the job queue knows, and caches terminal answers.
package status

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/cache"
	"github.com/JakeFAU/scanengine/internal/metrics"
	"github.com/JakeFAU/scanengine/internal/scan"
	"github.com/JakeFAU/scanengine/internal/telemetry"
)

// DefaultTTL is how long terminal snapshots stay cached.
const DefaultTTL = 60 * time.Second

// Best-effort operation names, also used as metric labels.
const (
	OpPersistProgress = "persist_progress"
	OpCacheDelete     = "cache_delete"
	OpCacheStore      = "cache_store"
)

// Records is the slice of the record store the synchronizer uses.
type Records interface {
	FindByID(ctx context.Context, id string) (scan.Scan, error)
	Update(ctx context.Context, id string, patch scan.Patch) (scan.Scan, error)
}

// JobLookup reads a scan's job from the queue.
type JobLookup interface {
	GetJob(ctx context.Context, scanID string) (scan.Job, bool, error)
}

// SideEffect reports the outcome of a best-effort write. A failed side
// effect never changes the answer returned to the client.
type SideEffect struct {
	Op     string
	ScanID string
	Err    error
}

// Failed reports whether the write was dropped.
func (s SideEffect) Failed() bool { return s.Err != nil }

// Synchronizer answers status reads.
type Synchronizer struct {
	records Records
	cache   cache.Cache
	jobs    JobLookup
	ttl     time.Duration
	logger  *zap.Logger
}

// NewSynchronizer wires a Synchronizer. ttl <= 0 uses DefaultTTL.
func NewSynchronizer(records Records, c cache.Cache, jobs JobLookup, ttl time.Duration, logger *zap.Logger) *Synchronizer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		records: records,
		cache:   c,
		jobs:    jobs,
		ttl:     ttl,
		logger:  logger.Named("status"),
	}
}

// GetStatus returns the client-facing status of scanID. Unknown ids fail
// with scan.ErrNotFound and store outages with scan.ErrStoreUnavailable.
func (s *Synchronizer) GetStatus(ctx context.Context, scanID string) (scan.Snapshot, error) {
	snap, _, err := s.Sync(ctx, scanID)
	return snap, err
}

// Sync is GetStatus that also returns the best-effort writes it attempted.
func (s *Synchronizer) Sync(ctx context.Context, scanID string) (scan.Snapshot, []SideEffect, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "status.GetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("scan.id", scanID))

	key := cache.StatusKey(scanID)
	cached, hit, err := cache.GetJSON[scan.Snapshot](ctx, s.cache, key)
	switch {
	case err != nil:
		metrics.ObserveStatusCache("error")
		s.logger.Debug("status cache read failed", zap.String("scan_id", scanID), zap.Error(err))
	case hit:
		metrics.ObserveStatusCache("hit")
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil, nil
	default:
		metrics.ObserveStatusCache("miss")
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	rec, err := s.records.FindByID(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, scan.KindOf(err))
		return scan.Snapshot{}, nil, fmt.Errorf("get status %s: %w", scanID, err)
	}

	var effects []SideEffect
	progress := rec.Progress
	switch {
	case !rec.Status.IsTerminal():
		if err := s.cache.Del(ctx, key); err != nil {
			effects = append(effects, s.dropped(OpCacheDelete, scanID, err))
		}
		job, ok, err := s.jobs.GetJob(ctx, scanID)
		if err != nil {
			s.logger.Warn("queue lookup failed", zap.String("scan_id", scanID), zap.Error(err))
		}
		if pct, live := job.Progress.Percent(); err == nil && ok && live {
			progress = scan.NormalizeProgress(rec.Status, pct)
			if progress != rec.Progress {
				effects = append(effects, s.persistProgress(ctx, scanID, progress))
			}
		}
		progress = scan.NormalizeProgress(rec.Status, float64(progress))
	case rec.Status == scan.StatusDone:
		progress = 100
		if rec.Progress != progress {
			effects = append(effects, s.persistProgress(ctx, scanID, progress))
		}
	default:
		progress = scan.NormalizeProgress(rec.Status, float64(progress))
	}

	snap := rec.Snapshot()
	snap.Progress = min(max(progress, 0), 100)
	span.SetAttributes(
		attribute.String("scan.status", string(snap.Status)),
		attribute.Int("scan.progress", snap.Progress),
	)

	if snap.Status.IsTerminal() {
		if err := cache.SetJSON(ctx, s.cache, key, snap, s.ttl); err != nil {
			effects = append(effects, s.dropped(OpCacheStore, scanID, err))
		}
	}
	return snap, effects, nil
}

func (s *Synchronizer) persistProgress(ctx context.Context, scanID string, progress int) SideEffect {
	p := progress
	if _, err := s.records.Update(ctx, scanID, scan.Patch{Progress: &p}); err != nil {
		return s.dropped(OpPersistProgress, scanID, err)
	}
	return SideEffect{Op: OpPersistProgress, ScanID: scanID}
}

func (s *Synchronizer) dropped(op, scanID string, err error) SideEffect {
	wrapped := fmt.Errorf("%w: %s: %w", scan.ErrBestEffortPersistFailed, op, err)
	metrics.ObserveBestEffortFailure(op)
	s.logger.Warn("best-effort write failed",
		zap.String("op", op),
		zap.String("scan_id", scanID),
		zap.Error(err),
	)
	return SideEffect{Op: op, ScanID: scanID, Err: wrapped}
}
