// Package postgres provides a Postgres-backed scan repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scanengine/internal/scan"
)

const (
	uniqueViolation    = "23505"
	slugConstraintName = "scans_slug_key"
)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens a pgx pool using cfg.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// DB is the subset of pgxpool.Pool the store needs; pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists scans in the scans table.
type Store struct {
	db DB
}

// NewStore wraps an existing pool.
func NewStore(db DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{db: db}, nil
}

const selectColumns = `
SELECT
	id::text,
	slug,
	target_type,
	input,
	normalized_input,
	status,
	progress,
	score,
	label,
	summary,
	meta,
	source,
	request_id,
	created_at,
	updated_at
FROM scans`

const insertScan = `
INSERT INTO scans (
	id,
	slug,
	target_type,
	input,
	normalized_input,
	status,
	progress,
	score,
	label,
	summary,
	meta,
	source,
	request_id,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)`

const updateScan = `
UPDATE scans SET
	status = $2,
	progress = $3,
	score = $4,
	label = $5,
	summary = $6,
	meta = $7,
	updated_at = $8
WHERE id = $1`

// Insert writes a new row. Slug collisions map to scan.ErrSlugTaken.
func (s *Store) Insert(ctx context.Context, rec scan.Scan) error {
	meta, err := encodeMeta(rec.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, insertScan,
		rec.ID,
		rec.Slug,
		string(rec.TargetType),
		rec.Input,
		rec.NormalizedInput,
		string(rec.Status),
		rec.Progress,
		rec.Score,
		rec.Label,
		rec.Summary,
		meta,
		string(rec.Source),
		nullableString(rec.RequestID),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == slugConstraintName {
			return fmt.Errorf("slug %q: %w", rec.Slug, scan.ErrSlugTaken)
		}
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// FindByID loads a scan by primary key.
func (s *Store) FindByID(ctx context.Context, id string) (scan.Scan, error) {
	rec, err := scanRow(s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		return scan.Scan{}, err
	}
	return rec, nil
}

// Update locks the row, applies patch and writes it back in one transaction.
func (s *Store) Update(ctx context.Context, id string, patch scan.Patch, now time.Time) (_ scan.Scan, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := scanRow(tx.QueryRow(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return scan.Scan{}, err
	}
	updated, err := current.Apply(patch, now)
	if err != nil {
		return scan.Scan{}, err
	}
	meta, err := encodeMeta(updated.Meta)
	if err != nil {
		return scan.Scan{}, err
	}
	if _, err = tx.Exec(ctx, updateScan,
		id,
		string(updated.Status),
		updated.Progress,
		updated.Score,
		updated.Label,
		updated.Summary,
		meta,
		updated.UpdatedAt,
	); err != nil {
		return scan.Scan{}, fmt.Errorf("update scan: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return scan.Scan{}, fmt.Errorf("commit tx: %w", err)
	}
	return updated, nil
}

// FindLatest returns the newest scan matching the dedup key.
func (s *Store) FindLatest(
	ctx context.Context,
	normalizedInput string,
	status scan.Status,
	since time.Time,
) (scan.Scan, error) {
	query := selectColumns + `
WHERE normalized_input = $1 AND status = $2 AND updated_at >= $3
ORDER BY updated_at DESC
LIMIT 1`
	return scanRow(s.db.QueryRow(ctx, query, normalizedInput, string(status), since))
}

func scanRow(row pgx.Row) (scan.Scan, error) {
	var (
		rec        scan.Scan
		targetType string
		status     string
		source     string
		requestID  *string
		meta       []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.Slug,
		&targetType,
		&rec.Input,
		&rec.NormalizedInput,
		&status,
		&rec.Progress,
		&rec.Score,
		&rec.Label,
		&rec.Summary,
		&meta,
		&source,
		&requestID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Scan{}, scan.ErrNotFound
		}
		return scan.Scan{}, fmt.Errorf("scan row: %w", err)
	}
	rec.TargetType = scan.TargetType(targetType)
	rec.Status = scan.Status(status)
	rec.Source = scan.Source(source)
	if requestID != nil {
		rec.RequestID = *requestID
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Meta); err != nil {
			return scan.Scan{}, fmt.Errorf("decode meta: %w", err)
		}
	}
	return rec, nil
}

func encodeMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	return b, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
