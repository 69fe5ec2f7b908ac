// Package memory provides a priority job queue for local development and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/scanengine/internal/queue"
	"github.com/JakeFAU/scanengine/internal/scan"
)

// Queue is a bounded in-memory priority queue. Pending jobs are ordered by
// priority, FIFO within a priority. Jobs stay visible to GetJob until they
// are completed or failed.
type Queue struct {
	mu       sync.Mutex
	pending  []*scan.Job
	jobs     map[string]*scan.Job
	capacity int
	now      func() time.Time

	ready   chan struct{}
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue holding at most capacity pending jobs.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		jobs:     make(map[string]*scan.Job),
		capacity: capacity,
		now:      func() time.Time { return time.Now().UTC() },
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue adds a job for payload.ScanID.
func (q *Queue) Enqueue(ctx context.Context, jobType scan.JobType, payload scan.Payload, opts scan.EnqueueOptions) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	if q.isClosed() {
		return fmt.Errorf("%w: queue closed", scan.ErrQueueUnavailable)
	}
	job := &scan.Job{
		ID:         uuid.NewString(),
		ScanID:     payload.ScanID,
		Type:       jobType,
		Priority:   opts.Priority,
		Payload:    payload,
		Complexity: opts.Complexity,
		IsRetry:    opts.IsRetry,
		Progress:   scan.NotStarted(),
		EnqueuedAt: q.now(),
	}

	q.mu.Lock()
	if len(q.pending) >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("%w: queue at capacity (%d)", scan.ErrQueueUnavailable, q.capacity)
	}
	idx := len(q.pending)
	for i, existing := range q.pending {
		if existing.Priority < job.Priority {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = job
	q.jobs[job.ScanID] = job
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue pops the highest priority job, blocking until one is available.
func (q *Queue) Dequeue(ctx context.Context) (scan.Job, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			remaining := len(q.pending)
			out := *job
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return out, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return scan.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return scan.Job{}, queue.ErrClosed
		case <-q.ready:
		}
	}
}

// GetJob returns the pending or active job for scanID.
func (q *Queue) GetJob(_ context.Context, scanID string) (scan.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[scanID]
	if !ok {
		return scan.Job{}, false, nil
	}
	return *job, true, nil
}

// ReportProgress stores percent on scanID's job.
func (q *Queue) ReportProgress(_ context.Context, scanID string, percent float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[scanID]
	if !ok {
		return fmt.Errorf("job for scan %s not found", scanID)
	}
	job.Progress = scan.InProgress(percent)
	return nil
}

// Complete drops scanID's job.
func (q *Queue) Complete(_ context.Context, scanID string) error {
	q.remove(scanID)
	return nil
}

// Fail drops scanID's job.
func (q *Queue) Fail(_ context.Context, scanID string, _ string) error {
	q.remove(scanID)
	return nil
}

// Len reports the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close wakes blocked consumers and rejects further work.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}

func (q *Queue) isClosed() bool {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	return q.closed
}

func (q *Queue) remove(scanID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[scanID]
	if !ok {
		return
	}
	delete(q.jobs, scanID)
	for i, p := range q.pending {
		if p == job {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
