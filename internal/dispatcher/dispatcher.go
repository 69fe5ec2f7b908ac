// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/metrics"
)

// Runner is a long-running consumer such as worker.Worker.
type Runner interface {
	Run(ctx context.Context)
}

// DepthFunc samples the queue length for the depth gauge.
type DepthFunc func(ctx context.Context) (int, error)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	workers  []Runner
	depth    DepthFunc
	interval time.Duration
	logger   *zap.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithDepthSampler periodically records the queue length.
func WithDepthSampler(fn DepthFunc, interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.depth = fn
		d.interval = interval
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a Dispatcher.
func New(workers []Runner, opts ...Option) *Dispatcher {
	d := &Dispatcher{workers: workers, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.depth != nil && d.interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sampleDepth(ctx)
		}()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) sampleDepth(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.depth(ctx)
			if err != nil {
				d.logger.Debug("queue depth sample failed", zap.Error(err))
				continue
			}
			metrics.SetQueueDepth(n)
		}
	}
}
