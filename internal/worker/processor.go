package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/scanengine/internal/scan"
)

// Reporter lets a processor publish intermediate progress for its job.
type Reporter interface {
	Report(ctx context.Context, percent float64) error
}

// Outcome is the terminal result a processor produces for a scan.
type Outcome struct {
	Score   int
	Label   string
	Summary string
	Meta    map[string]any
}

// Processor performs the actual analysis of one job.
type Processor interface {
	Process(ctx context.Context, job scan.Job, report Reporter) (Outcome, error)
}

// DefaultSteps are the progress checkpoints the stub reports.
var DefaultSteps = []float64{10, 35, 60, 85}

// StubProcessor walks through fixed progress steps and returns canned
// verdicts per target type. It stands in until real analyzers are wired.
type StubProcessor struct {
	StepDelay time.Duration
	Steps     []float64
}

// Process implements Processor.
func (p StubProcessor) Process(ctx context.Context, job scan.Job, report Reporter) (Outcome, error) {
	steps := p.Steps
	if steps == nil {
		steps = DefaultSteps
	}
	for _, pct := range steps {
		if err := sleep(ctx, p.StepDelay); err != nil {
			return Outcome{}, err
		}
		if err := report.Report(ctx, pct); err != nil {
			return Outcome{}, fmt.Errorf("report progress: %w", err)
		}
	}

	switch job.Type {
	case scan.JobScanApp:
		return Outcome{
			Score:   75,
			Label:   "Caution",
			Summary: "App scan stubbed. Detailed analysis coming soon.",
		}, nil
	case scan.JobScanAddress:
		out := Outcome{
			Score:   80,
			Label:   "Safe",
			Summary: "Address reputation stubbed. Detailed analysis coming soon.",
		}
		if chain, ok := job.Payload.Meta["chain"]; ok {
			out.Meta = map[string]any{"chain": chain}
		}
		return out, nil
	case scan.JobScanURL:
		return Outcome{
			Score:   82,
			Label:   "Safe",
			Summary: "URL scan stubbed. Detailed analysis coming soon.",
		}, nil
	default:
		return Outcome{}, fmt.Errorf("unsupported job type %q", job.Type)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("processing canceled: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
