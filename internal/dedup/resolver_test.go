package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scanengine/internal/scan"
	"github.com/JakeFAU/scanengine/internal/store/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestResolver_FindReusable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1_000_000, 0).UTC()
	repo := memory.NewStore()
	input := "https://example.com/"
	require.NoError(t, repo.Insert(ctx, scan.Scan{ID: "stale", Slug: "a", NormalizedInput: input, Status: scan.StatusDone, UpdatedAt: now.Add(-25 * time.Hour)}))
	require.NoError(t, repo.Insert(ctx, scan.Scan{ID: "fresh", Slug: "b", NormalizedInput: input, Status: scan.StatusDone, UpdatedAt: now.Add(-time.Hour)}))
	require.NoError(t, repo.Insert(ctx, scan.Scan{ID: "failed", Slug: "c", NormalizedInput: input, Status: scan.StatusError, UpdatedAt: now}))
	require.NoError(t, repo.Insert(ctx, scan.Scan{ID: "running", Slug: "d", NormalizedInput: input, Status: scan.StatusRunning, UpdatedAt: now}))

	r := NewResolver(repo, 0, fixedClock{now: now})
	require.Equal(t, DefaultWindow, r.Window())

	got, ok, err := r.FindReusable(ctx, input)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", got.ID)

	_, ok, err = r.FindReusable(ctx, "https://other.example/")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolver_WindowExcludesStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1_000_000, 0).UTC()
	repo := memory.NewStore()
	require.NoError(t, repo.Insert(ctx, scan.Scan{ID: "x", Slug: "x", NormalizedInput: "k", Status: scan.StatusDone, UpdatedAt: now.Add(-2 * time.Hour)}))

	r := NewResolver(repo, time.Hour, fixedClock{now: now})
	_, ok, err := r.FindReusable(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

type errFinder struct{}

func (errFinder) FindLatest(context.Context, string, scan.Status, time.Time) (scan.Scan, error) {
	return scan.Scan{}, errors.New("db down")
}

func TestResolver_PropagatesErrors(t *testing.T) {
	t.Parallel()

	r := NewResolver(errFinder{}, time.Hour, fixedClock{})
	_, ok, err := r.FindReusable(context.Background(), "k")
	require.Error(t, err)
	require.False(t, ok)
}
