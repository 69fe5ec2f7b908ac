// Package postgres implements the job queue on a Postgres table using
// SELECT ... FOR UPDATE SKIP LOCKED so several workers can claim jobs
// concurrently.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/scanengine/internal/scan"
)

const (
	statePending = "pending"
	stateActive  = "active"

	defaultPollInterval = time.Second
)

// DB is the subset of pgxpool.Pool used by the queue.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queue stores jobs in the scan_jobs table.
type Queue struct {
	db           DB
	pollInterval time.Duration
	clock        scan.Clock
}

// NewQueue builds a queue polling every pollInterval when idle.
func NewQueue(db DB, clock scan.Clock, pollInterval time.Duration) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Queue{db: db, clock: clock, pollInterval: pollInterval}, nil
}

const insertJob = `
INSERT INTO scan_jobs (
	id,
	scan_id,
	job_type,
	priority,
	payload,
	complexity,
	is_retry,
	request_id,
	state,
	enqueued_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`

const jobColumns = `id::text, scan_id::text, job_type, priority, payload, complexity, is_retry, state, progress, enqueued_at`

const claimJob = `
UPDATE scan_jobs SET state = 'active', started_at = $1
WHERE id = (
	SELECT id FROM scan_jobs
	WHERE state = 'pending'
	ORDER BY priority DESC, enqueued_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

const selectJobByScan = `SELECT ` + jobColumns + ` FROM scan_jobs WHERE scan_id = $1 ORDER BY enqueued_at DESC LIMIT 1`

// Enqueue inserts a pending job.
func (q *Queue) Enqueue(ctx context.Context, jobType scan.JobType, payload scan.Payload, opts scan.EnqueueOptions) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var requestID *string
	if opts.RequestID != "" {
		requestID = &opts.RequestID
	}
	_, err = q.db.Exec(ctx, insertJob,
		uuid.NewString(),
		payload.ScanID,
		string(jobType),
		int(opts.Priority),
		body,
		opts.Complexity,
		opts.IsRetry,
		requestID,
		statePending,
		q.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert job: %v", scan.ErrQueueUnavailable, err)
	}
	return nil
}

// Dequeue claims the next pending job, polling until one exists or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (scan.Job, error) {
	for {
		job, err := scanJob(q.db.QueryRow(ctx, claimJob, q.clock.Now()))
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			if ctx.Err() != nil {
				return scan.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return scan.Job{}, fmt.Errorf("claim job: %w", err)
		}
		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return scan.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// GetJob returns the live job for scanID.
func (q *Queue) GetJob(ctx context.Context, scanID string) (scan.Job, bool, error) {
	job, err := scanJob(q.db.QueryRow(ctx, selectJobByScan, scanID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Job{}, false, nil
		}
		return scan.Job{}, false, fmt.Errorf("%w: get job: %v", scan.ErrQueueUnavailable, err)
	}
	return job, true, nil
}

// ReportProgress records percent for scanID's job.
func (q *Queue) ReportProgress(ctx context.Context, scanID string, percent float64) error {
	tag, err := q.db.Exec(ctx, `UPDATE scan_jobs SET progress = $2 WHERE scan_id = $1`, scanID, percent)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job for scan %s not found", scanID)
	}
	return nil
}

// Complete deletes scanID's job.
func (q *Queue) Complete(ctx context.Context, scanID string) error {
	return q.delete(ctx, scanID)
}

// Fail deletes scanID's job; the failure reason lives on the scan record.
func (q *Queue) Fail(ctx context.Context, scanID string, _ string) error {
	return q.delete(ctx, scanID)
}

// Len counts pending jobs.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM scan_jobs WHERE state = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (q *Queue) delete(ctx context.Context, scanID string) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM scan_jobs WHERE scan_id = $1`, scanID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (scan.Job, error) {
	var (
		job      scan.Job
		jobType  string
		priority int
		payload  []byte
		state    string
		progress *float64
	)
	if err := row.Scan(
		&job.ID,
		&job.ScanID,
		&jobType,
		&priority,
		&payload,
		&job.Complexity,
		&job.IsRetry,
		&state,
		&progress,
		&job.EnqueuedAt,
	); err != nil {
		return scan.Job{}, err
	}
	job.Type = scan.JobType(jobType)
	job.Priority = scan.Priority(priority)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return scan.Job{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	job.Progress = scan.NotStarted()
	if state == stateActive && progress != nil {
		job.Progress = scan.InProgress(*progress)
	}
	return job, nil
}
