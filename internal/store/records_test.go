package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/scan"
	"github.com/JakeFAU/scanengine/internal/store/memory"
)

func TestRecords_CreateAssignsIdentity(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore()
	clock := &fakeClock{now: time.Unix(100, 0).UTC()}
	r := NewRecords(repo, &fakeIDGen{ids: []string{"scan-1"}}, &fakeSlugger{slugs: []string{"k3x9"}}, clock, 0, zap.NewNop())

	got, err := r.Create(context.Background(), scan.NewScan{
		TargetType:      scan.TargetURL,
		Input:           "HTTP://Example.com/",
		NormalizedInput: "https://example.com/",
		Source:          scan.SourceManual,
		RequestID:       "req-1",
	})
	require.NoError(t, err)
	require.Equal(t, "scan-1", got.ID)
	require.Equal(t, "k3x9", got.Slug)
	require.Equal(t, scan.StatusQueued, got.Status)
	require.Equal(t, 0, got.Progress)
	require.Equal(t, clock.now, got.CreatedAt)
	require.Equal(t, clock.now, got.UpdatedAt)

	stored, err := r.FindByID(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, got.Slug, stored.Slug)
}

func TestRecords_CreateRetriesSlugCollisions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewStore()
	require.NoError(t, repo.Insert(ctx, scan.Scan{ID: "existing", Slug: "taken"}))

	slugs := &fakeSlugger{slugs: []string{"taken", "taken", "fresh"}}
	r := NewRecords(repo, &fakeIDGen{ids: []string{"scan-2"}}, slugs, &fakeClock{}, 5, nil)

	got, err := r.Create(ctx, scan.NewScan{TargetType: scan.TargetURL})
	require.NoError(t, err)
	require.Equal(t, "fresh", got.Slug)
	require.Equal(t, 3, slugs.calls)
}

func TestRecords_CreateExhaustsSlugs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewStore()
	require.NoError(t, repo.Insert(ctx, scan.Scan{ID: "existing", Slug: "taken"}))

	slugs := &fakeSlugger{slugs: []string{"taken"}}
	r := NewRecords(repo, &fakeIDGen{ids: []string{"scan-3"}}, slugs, &fakeClock{}, 3, nil)

	_, err := r.Create(ctx, scan.NewScan{TargetType: scan.TargetURL})
	require.ErrorIs(t, err, scan.ErrSlugExhausted)
	require.Equal(t, 3, slugs.calls)
	require.Equal(t, 1, repo.Len())
}

func TestRecords_CreateWrapsStoreFailures(t *testing.T) {
	t.Parallel()

	r := NewRecords(&failingRepo{err: errors.New("connection refused")}, &fakeIDGen{ids: []string{"x"}}, &fakeSlugger{slugs: []string{"s"}}, &fakeClock{}, 0, nil)
	_, err := r.Create(context.Background(), scan.NewScan{})
	require.ErrorIs(t, err, scan.ErrStoreUnavailable)
}

func TestRecords_UpdateBumpsUpdatedAt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewStore()
	clock := &fakeClock{now: time.Unix(100, 0).UTC()}
	r := NewRecords(repo, &fakeIDGen{ids: []string{"a"}}, &fakeSlugger{slugs: []string{"s"}}, clock, 0, nil)
	_, err := r.Create(ctx, scan.NewScan{})
	require.NoError(t, err)

	clock.now = clock.now.Add(time.Minute)
	progress := 40
	got, err := r.Update(ctx, "a", scan.Patch{Progress: &progress})
	require.NoError(t, err)
	require.Equal(t, 40, got.Progress)
	require.Equal(t, clock.now, got.UpdatedAt)

	_, err = r.Update(ctx, "missing", scan.Patch{})
	require.ErrorIs(t, err, scan.ErrNotFound)
}

func TestRandomSlugger(t *testing.T) {
	t.Parallel()

	s := NewRandomSlugger(0)
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		slug, err := s.NewSlug()
		require.NoError(t, err)
		require.Len(t, slug, DefaultSlugLength)
		require.Regexp(t, `^[a-z2-7]+$`, slug)
		seen[slug] = struct{}{}
	}
	require.Len(t, seen, 100)
	require.Equal(t, 26, NewRandomSlugger(64).length)
}

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

type fakeIDGen struct {
	ids []string
	idx int
}

func (f *fakeIDGen) NewID() (string, error) {
	if f.idx >= len(f.ids) {
		return "", errors.New("exhausted ids")
	}
	id := f.ids[f.idx]
	f.idx++
	return id, nil
}

// fakeSlugger returns slugs in order and repeats the last one.
type fakeSlugger struct {
	slugs []string
	calls int
}

func (f *fakeSlugger) NewSlug() (string, error) {
	i := f.calls
	if i >= len(f.slugs) {
		i = len(f.slugs) - 1
	}
	f.calls++
	return f.slugs[i], nil
}

type failingRepo struct {
	err error
}

func (f *failingRepo) Insert(context.Context, scan.Scan) error { return f.err }

func (f *failingRepo) FindByID(context.Context, string) (scan.Scan, error) {
	return scan.Scan{}, f.err
}

func (f *failingRepo) Update(context.Context, string, scan.Patch, time.Time) (scan.Scan, error) {
	return scan.Scan{}, f.err
}

func (f *failingRepo) FindLatest(context.Context, string, scan.Status, time.Time) (scan.Scan, error) {
	return scan.Scan{}, f.err
}
