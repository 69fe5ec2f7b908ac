// Package submit turns a raw scan request into a persisted, queued scan.
package submit

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/metrics"
	"github.com/JakeFAU/scanengine/internal/normalize"
	"github.com/JakeFAU/scanengine/internal/policy"
	"github.com/JakeFAU/scanengine/internal/queue"
	"github.com/JakeFAU/scanengine/internal/scan"
	"github.com/JakeFAU/scanengine/internal/telemetry"
)

// Request is a scan submission.
type Request struct {
	Target     string
	TargetType scan.TargetType
	Force      bool
	// Identity is the caller used for admission; empty is anonymous.
	Identity  string
	RequestID string
	Meta      map[string]any
}

// Result identifies the scan a submission resolved to.
type Result struct {
	ScanID  string
	Slug    string
	Deduped bool
}

// Records is the record store surface the orchestrator writes to.
type Records interface {
	Create(ctx context.Context, in scan.NewScan) (scan.Scan, error)
	Update(ctx context.Context, id string, patch scan.Patch) (scan.Scan, error)
}

// Deduper finds a reusable completed scan.
type Deduper interface {
	FindReusable(ctx context.Context, normalizedInput string) (scan.Scan, bool, error)
}

// Orchestrator runs the submission pipeline.
type Orchestrator struct {
	admission policy.Admission
	records   Records
	dedup     Deduper
	queue     queue.Queue
	logger    *zap.Logger
}

// NewOrchestrator wires an Orchestrator. A nil admission admits everything.
func NewOrchestrator(
	admission policy.Admission,
	records Records,
	dedup Deduper,
	q queue.Queue,
	logger *zap.Logger,
) *Orchestrator {
	if admission == nil {
		admission = policy.Unrestricted{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		admission: admission,
		records:   records,
		dedup:     dedup,
		queue:     q,
		logger:    logger.Named("submit"),
	}
}

// Submit admits, normalizes, dedups (unless forced), persists and enqueues
// a scan. Any returned error leaves no queued job behind.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "submit.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("scan.target_type", string(req.TargetType)),
		attribute.Bool("scan.force", req.Force),
	)

	res, err := o.submit(ctx, req)
	outcome := "created"
	switch {
	case err != nil:
		outcome = scan.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	case res.Deduped:
		outcome = "deduped"
	}
	metrics.ObserveSubmission(string(req.TargetType), outcome)
	if err == nil {
		span.SetAttributes(attribute.String("scan.id", res.ScanID), attribute.Bool("scan.deduped", res.Deduped))
	}
	return res, err
}

func (o *Orchestrator) submit(ctx context.Context, req Request) (Result, error) {
	if err := o.admission.Admit(ctx, req.Identity); err != nil {
		if !errors.Is(err, scan.ErrQuotaExceeded) {
			err = fmt.Errorf("%w: %v", scan.ErrQuotaExceeded, err)
		}
		return Result{}, fmt.Errorf("admit submission: %w", err)
	}

	normalized, err := normalize.Normalize(req.TargetType, req.Target)
	if err != nil {
		return Result{}, fmt.Errorf("normalize target: %w", err)
	}

	if !req.Force {
		prior, ok, err := o.dedup.FindReusable(ctx, normalized)
		switch {
		case err != nil:
			o.logger.Warn("dedup lookup failed; creating a new scan",
				zap.String("normalized_input", normalized),
				zap.Error(err),
			)
		case ok:
			o.logger.Debug("reusing completed scan",
				zap.String("scan_id", prior.ID),
				zap.String("normalized_input", normalized),
				zap.String("request_id", req.RequestID),
			)
			return Result{ScanID: prior.ID, Slug: prior.Slug, Deduped: true}, nil
		}
	}

	source := scan.SourceManual
	priority := scan.PriorityNormal
	if req.Force {
		source = scan.SourceManualForce
		priority = scan.PriorityUrgent
	}

	rec, err := o.records.Create(ctx, scan.NewScan{
		TargetType:      req.TargetType,
		Input:           req.Target,
		NormalizedInput: normalized,
		Source:          source,
		RequestID:       req.RequestID,
		Meta:            req.Meta,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create scan: %w", err)
	}

	payload := scan.Payload{
		ScanID:          rec.ID,
		TargetType:      rec.TargetType,
		Target:          normalized,
		NormalizedInput: rec.NormalizedInput,
		RequestID:       req.RequestID,
		Meta:            req.Meta,
	}
	opts := scan.EnqueueOptions{
		Priority:   priority,
		Complexity: scan.ComplexitySimple,
		IsRetry:    false,
		RequestID:  req.RequestID,
	}
	if err := o.queue.Enqueue(ctx, scan.JobTypeFor(rec.TargetType), payload, opts); err != nil {
		o.abandon(ctx, rec.ID, err)
		if !errors.Is(err, scan.ErrQueueUnavailable) {
			err = fmt.Errorf("%w: %v", scan.ErrQueueUnavailable, err)
		}
		return Result{}, fmt.Errorf("enqueue scan %s: %w", rec.ID, err)
	}

	o.logger.Info("scan submitted",
		zap.String("scan_id", rec.ID),
		zap.String("slug", rec.Slug),
		zap.String("target_type", string(rec.TargetType)),
		zap.String("priority", priority.String()),
		zap.String("request_id", req.RequestID),
	)
	return Result{ScanID: rec.ID, Slug: rec.Slug}, nil
}

// abandon marks a scan whose job never reached the queue as failed so it
// does not read as queued forever. Failure here is logged and dropped.
func (o *Orchestrator) abandon(ctx context.Context, scanID string, cause error) {
	status := scan.StatusError
	summary := "Scan could not be queued."
	if _, err := o.records.Update(context.WithoutCancel(ctx), scanID, scan.Patch{Status: &status, Summary: &summary}); err != nil {
		metrics.ObserveBestEffortFailure("abandon_scan")
		o.logger.Warn("best-effort write failed",
			zap.String("op", "abandon_scan"),
			zap.String("scan_id", scanID),
			zap.Error(fmt.Errorf("%w: %w", scan.ErrBestEffortPersistFailed, err)),
		)
		return
	}
	o.logger.Warn("enqueue failed; scan marked as error",
		zap.String("scan_id", scanID),
		zap.Error(cause),
	)
}
