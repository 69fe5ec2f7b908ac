// Package sqlite provides a GORM-backed scan repository for single-node
// deployments that want durable records without running Postgres.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/scanengine/internal/scan"
)

type scanModel struct {
	ID              string    `gorm:"primaryKey;size:64"`
	Slug            string    `gorm:"size:64;not null;uniqueIndex:idx_scans_slug"`
	TargetType      string    `gorm:"size:16;not null"`
	Input           string    `gorm:"not null"`
	NormalizedInput string    `gorm:"not null;index:idx_scans_dedup,priority:1"`
	Status          string    `gorm:"size:16;not null;index:idx_scans_dedup,priority:2"`
	Progress        int       `gorm:"not null;default:0"`
	Score           *int
	Label           *string
	Summary         *string
	Meta            []byte
	Source          string    `gorm:"size:32;not null"`
	RequestID       string    `gorm:"size:64"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false;index:idx_scans_dedup,priority:3"`
}

func (scanModel) TableName() string { return "scans" }

// Open connects to the sqlite database at path (":memory:" for tests).
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(gormsqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Store implements store.Repository with GORM.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the scans table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&scanModel{}); err != nil {
		return fmt.Errorf("migrate scans: %w", err)
	}
	return nil
}

// Insert creates a row; slug uniqueness violations map to scan.ErrSlugTaken.
func (s *Store) Insert(ctx context.Context, rec scan.Scan) error {
	row, err := toModel(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: scans.slug") {
			return fmt.Errorf("slug %q: %w", rec.Slug, scan.ErrSlugTaken)
		}
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// FindByID loads a scan by id.
func (s *Store) FindByID(ctx context.Context, id string) (scan.Scan, error) {
	var row scanModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return scan.Scan{}, notFound(err)
	}
	return fromModel(row)
}

// Update reads, patches and saves the row inside one transaction.
func (s *Store) Update(ctx context.Context, id string, patch scan.Patch, now time.Time) (scan.Scan, error) {
	var updated scan.Scan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row scanModel
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return notFound(err)
		}
		current, err := fromModel(row)
		if err != nil {
			return err
		}
		updated, err = current.Apply(patch, now)
		if err != nil {
			return err
		}
		next, err := toModel(updated)
		if err != nil {
			return err
		}
		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("save scan: %w", err)
		}
		return nil
	})
	if err != nil {
		return scan.Scan{}, err
	}
	return updated, nil
}

// FindLatest returns the newest scan for the dedup key.
func (s *Store) FindLatest(
	ctx context.Context,
	normalizedInput string,
	status scan.Status,
	since time.Time,
) (scan.Scan, error) {
	var row scanModel
	err := s.db.WithContext(ctx).
		Where("normalized_input = ?", normalizedInput).
		Where("status = ?", string(status)).
		Where("updated_at >= ?", since).
		Order("updated_at DESC").
		First(&row).Error
	if err != nil {
		return scan.Scan{}, notFound(err)
	}
	return fromModel(row)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return scan.ErrNotFound
	}
	return fmt.Errorf("query scan: %w", err)
}

func toModel(rec scan.Scan) (scanModel, error) {
	row := scanModel{
		ID:              rec.ID,
		Slug:            rec.Slug,
		TargetType:      string(rec.TargetType),
		Input:           rec.Input,
		NormalizedInput: rec.NormalizedInput,
		Status:          string(rec.Status),
		Progress:        rec.Progress,
		Score:           rec.Score,
		Label:           rec.Label,
		Summary:         rec.Summary,
		Source:          string(rec.Source),
		RequestID:       rec.RequestID,
		CreatedAt:       rec.CreatedAt.UTC(),
		UpdatedAt:       rec.UpdatedAt.UTC(),
	}
	if rec.Meta != nil {
		b, err := json.Marshal(rec.Meta)
		if err != nil {
			return scanModel{}, fmt.Errorf("marshal meta: %w", err)
		}
		row.Meta = b
	}
	return row, nil
}

func fromModel(row scanModel) (scan.Scan, error) {
	rec := scan.Scan{
		ID:              row.ID,
		Slug:            row.Slug,
		TargetType:      scan.TargetType(row.TargetType),
		Input:           row.Input,
		NormalizedInput: row.NormalizedInput,
		Status:          scan.Status(row.Status),
		Progress:        row.Progress,
		Score:           row.Score,
		Label:           row.Label,
		Summary:         row.Summary,
		Source:          scan.Source(row.Source),
		RequestID:       row.RequestID,
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
	if len(row.Meta) > 0 {
		if err := json.Unmarshal(row.Meta, &rec.Meta); err != nil {
			return scan.Scan{}, fmt.Errorf("decode meta: %w", err)
		}
	}
	return rec, nil
}
