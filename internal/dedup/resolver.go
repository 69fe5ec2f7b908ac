// Package dedup finds recent completed scans that a new submission can reuse.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scanengine/internal/scan"
)

// DefaultWindow is the freshness window used when none is configured.
const DefaultWindow = 24 * time.Hour

// Finder is the record store lookup the resolver needs.
type Finder interface {
	FindLatest(ctx context.Context, normalizedInput string, status scan.Status, since time.Time) (scan.Scan, error)
}

// Resolver answers "is there a fresh result for this target?". It does not
// lock: two concurrent submissions of a new target may both create scans.
type Resolver struct {
	finder Finder
	window time.Duration
	clock  scan.Clock
}

// NewResolver builds a Resolver; window <= 0 uses DefaultWindow.
func NewResolver(finder Finder, window time.Duration, clock scan.Clock) *Resolver {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Resolver{finder: finder, window: window, clock: clock}
}

// FindReusable returns the latest done scan for normalizedInput updated
// within the window. Failed scans are never reused.
func (r *Resolver) FindReusable(ctx context.Context, normalizedInput string) (scan.Scan, bool, error) {
	since := r.clock.Now().Add(-r.window)
	rec, err := r.finder.FindLatest(ctx, normalizedInput, scan.StatusDone, since)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			return scan.Scan{}, false, nil
		}
		return scan.Scan{}, false, fmt.Errorf("find reusable scan: %w", err)
	}
	return rec, true, nil
}

// Window reports the configured freshness window.
func (r *Resolver) Window() time.Duration {
	return r.window
}
