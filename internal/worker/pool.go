package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// Pool runs a fixed number of workers over one queue.
type Pool struct {
	workers []*Worker
	logger  *zap.Logger
}

// NewPool creates concurrency workers sharing queue and runner.
func NewPool(concurrency int, queue crawler.Queue, runner Runner, logger *zap.Logger) (*Pool, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("worker concurrency must be positive, got %d", concurrency)
	}
	if queue == nil || runner == nil {
		return nil, fmt.Errorf("queue and runner are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*Worker, concurrency)
	for i := range workers {
		workers[i] = New(i, queue, runner, logger)
	}
	return &Pool{workers: workers, logger: logger.Named("pool")}, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Run starts all workers and blocks until they stop. A fatal error from any
// worker cancels the rest and is returned.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	p.logger.Info("workers started", zap.Int("concurrency", len(p.workers)))
	if err := g.Wait(); err != nil {
		p.logger.Error("worker pool stopped", zap.Error(err))
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}
