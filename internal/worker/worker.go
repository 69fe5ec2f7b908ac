// Package worker implements the scan execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/metrics"
	"github.com/JakeFAU/scanengine/internal/queue"
	"github.com/JakeFAU/scanengine/internal/scan"
)

// Records is the record store surface workers write to.
type Records interface {
	Update(ctx context.Context, id string, patch scan.Patch) (scan.Scan, error)
}

// Default dequeue backoff bounds.
const (
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffMax  = 5 * time.Second
)

// Worker consumes queue items and drives each scan to a terminal status.
// It is the only writer of score, label and summary.
type Worker struct {
	queue     queue.WorkQueue
	records   Records
	processor Processor
	logger    *zap.Logger

	backoffBase time.Duration
	backoffMax  time.Duration
}

// Option customizes a Worker.
type Option func(*Worker)

// WithDequeueBackoff bounds the wait after a failed Dequeue. Non-positive
// values keep the defaults.
func WithDequeueBackoff(base, maxWait time.Duration) Option {
	return func(w *Worker) {
		if base > 0 {
			w.backoffBase = base
		}
		if maxWait > 0 {
			w.backoffMax = maxWait
		}
	}
}

// New constructs a Worker.
func New(q queue.WorkQueue, records Records, processor Processor, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		queue:       q,
		records:     records,
		processor:   processor,
		logger:      logger,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.backoffMax = max(w.backoffMax, w.backoffBase)
	return w
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	var backoff time.Duration
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			backoff = w.nextBackoff(backoff)
			w.logger.Error("queue dequeue failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if sleep(ctx, backoff) != nil {
				return
			}
			continue
		}
		backoff = 0
		w.logger.Debug("dequeued job",
			zap.String("job_id", job.ID),
			zap.String("scan_id", job.ScanID),
			zap.String("job_type", string(job.Type)),
		)
		w.processJob(ctx, job)
	}
}

// nextBackoff doubles prev, starting at the base and capped at the max.
func (w *Worker) nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return w.backoffBase
	}
	return min(prev*2, w.backoffMax)
}

func (w *Worker) processJob(ctx context.Context, job scan.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(
		zap.String("scan_id", job.ScanID),
		zap.String("job_type", string(job.Type)),
		zap.String("request_id", job.Payload.RequestID),
	)

	running := scan.StatusRunning
	if _, err := w.records.Update(ctx, job.ScanID, scan.Patch{Status: &running}); err != nil {
		logger.Error("mark scan running failed", zap.Error(err))
		w.dropJob(ctx, job, err.Error())
		return
	}

	outcome, err := w.processor.Process(ctx, job, reporter{queue: w.queue, scanID: job.ScanID})
	// Terminal writes must land even when shutdown cancels ctx mid-scan.
	finalCtx := context.WithoutCancel(ctx)
	if err != nil {
		w.fail(finalCtx, logger, job, err)
		return
	}

	done := scan.StatusDone
	progress := 100
	patch := scan.Patch{
		Status:   &done,
		Progress: &progress,
		Score:    &outcome.Score,
		Label:    &outcome.Label,
		Summary:  &outcome.Summary,
		Meta:     outcome.Meta,
	}
	if _, err := w.records.Update(finalCtx, job.ScanID, patch); err != nil {
		logger.Error("persist scan result failed", zap.Error(err))
		w.dropJob(finalCtx, job, err.Error())
		return
	}
	if err := w.queue.Complete(finalCtx, job.ScanID); err != nil {
		logger.Warn("complete job failed", zap.Error(err))
	}
	metrics.ObserveJob(string(job.Type), string(scan.StatusDone))
	logger.Info("scan finished",
		zap.Int("score", outcome.Score),
		zap.String("label", outcome.Label),
	)
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, job scan.Job, cause error) {
	failed := scan.StatusError
	summary := "Scan failed."
	if errors.Is(cause, context.Canceled) {
		summary = "Scan interrupted."
	}
	if _, err := w.records.Update(ctx, job.ScanID, scan.Patch{Status: &failed, Summary: &summary}); err != nil {
		logger.Error("mark scan failed", zap.Error(err))
	}
	w.dropJob(ctx, job, cause.Error())
	logger.Warn("scan failed", zap.Error(cause))
}

func (w *Worker) dropJob(ctx context.Context, job scan.Job, reason string) {
	if err := w.queue.Fail(ctx, job.ScanID, reason); err != nil {
		w.logger.Warn("fail job failed", zap.String("scan_id", job.ScanID), zap.Error(err))
	}
	metrics.ObserveJob(string(job.Type), string(scan.StatusError))
}

type reporter struct {
	queue  queue.WorkQueue
	scanID string
}

func (r reporter) Report(ctx context.Context, percent float64) error {
	if err := r.queue.ReportProgress(ctx, r.scanID, percent); err != nil {
		return fmt.Errorf("report progress %s: %w", r.scanID, err)
	}
	return nil
}
