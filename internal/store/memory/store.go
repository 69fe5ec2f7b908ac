// Package memory provides an in-memory scan repository for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scanengine/internal/scan"
)

// Store is a mutex-guarded map of scans with a slug index.
type Store struct {
	mu     sync.RWMutex
	scans  map[string]scan.Scan
	bySlug map[string]string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		scans:  make(map[string]scan.Scan),
		bySlug: make(map[string]string),
	}
}

// Insert stores a new scan.
func (s *Store) Insert(_ context.Context, rec scan.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bySlug[rec.Slug]; exists {
		return fmt.Errorf("slug %q: %w", rec.Slug, scan.ErrSlugTaken)
	}
	if _, exists := s.scans[rec.ID]; exists {
		return fmt.Errorf("scan %s already exists", rec.ID)
	}
	s.scans[rec.ID] = clone(rec)
	s.bySlug[rec.Slug] = rec.ID
	return nil
}

// FindByID fetches a scan by id.
func (s *Store) FindByID(_ context.Context, id string) (scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.scans[id]
	if !ok {
		return scan.Scan{}, scan.ErrNotFound
	}
	return clone(rec), nil
}

// Update applies patch under the write lock.
func (s *Store) Update(_ context.Context, id string, patch scan.Patch, now time.Time) (scan.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[id]
	if !ok {
		return scan.Scan{}, scan.ErrNotFound
	}
	updated, err := rec.Apply(patch, now)
	if err != nil {
		return scan.Scan{}, err
	}
	s.scans[id] = updated
	return clone(updated), nil
}

// FindLatest scans all records for the newest match.
func (s *Store) FindLatest(
	_ context.Context,
	normalizedInput string,
	status scan.Status,
	since time.Time,
) (scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  scan.Scan
		found bool
	)
	for _, rec := range s.scans {
		if rec.NormalizedInput != normalizedInput || rec.Status != status {
			continue
		}
		if rec.UpdatedAt.Before(since) {
			continue
		}
		if !found || rec.UpdatedAt.After(best.UpdatedAt) {
			best = rec
			found = true
		}
	}
	if !found {
		return scan.Scan{}, scan.ErrNotFound
	}
	return clone(best), nil
}

// Len reports the number of stored scans.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scans)
}

func clone(rec scan.Scan) scan.Scan {
	if rec.Score != nil {
		v := *rec.Score
		rec.Score = &v
	}
	if rec.Label != nil {
		v := *rec.Label
		rec.Label = &v
	}
	if rec.Summary != nil {
		v := *rec.Summary
		rec.Summary = &v
	}
	if rec.Meta != nil {
		m := make(map[string]any, len(rec.Meta))
		for k, v := range rec.Meta {
			m[k] = v
		}
		rec.Meta = m
	}
	return rec
}
