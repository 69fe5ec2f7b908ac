// Package queue defines the job queue contracts used to hand scans to
// workers. Engines live in the memory and postgres subpackages; notify
// decorates any Queue with enqueue notifications.
package queue

import (
	"context"
	"errors"

	"github.com/JakeFAU/scanengine/internal/scan"
)

// ErrClosed is returned by Dequeue once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Queue is the submission and status-read side of the job queue.
type Queue interface {
	// Enqueue schedules a job for payload.ScanID. Failures wrap
	// scan.ErrQueueUnavailable.
	Enqueue(ctx context.Context, jobType scan.JobType, payload scan.Payload, opts scan.EnqueueOptions) error
	// GetJob returns the pending or in-flight job for scanID. A job that
	// has completed, failed or never existed reports ok=false, not an error.
	GetJob(ctx context.Context, scanID string) (job scan.Job, ok bool, err error)
}

// WorkQueue is the worker side of the queue.
type WorkQueue interface {
	Queue
	// Dequeue blocks until a job is available or ctx ends. Higher priority
	// jobs are returned first, FIFO within a priority.
	Dequeue(ctx context.Context) (scan.Job, error)
	// ReportProgress records an in-progress percentage for scanID's job.
	ReportProgress(ctx context.Context, scanID string, percent float64) error
	// Complete removes scanID's job after success.
	Complete(ctx context.Context, scanID string) error
	// Fail removes scanID's job after failure.
	Fail(ctx context.Context, scanID string, reason string) error
}
