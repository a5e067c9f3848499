// Package worker consumes crawl tasks from the queue and runs the planner
// for each one.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/metrics"
	"github.com/JakeFAU/social-ingest/internal/planner"
)

// Runner executes one crawl invocation.
type Runner interface {
	Run(ctx context.Context, target crawler.Target) planner.Outcome
}

// Dequeue failures back off between these bounds until a delivery succeeds.
const (
	dequeueBackoffBase = 200 * time.Millisecond
	dequeueBackoffMax  = 30 * time.Second
)

// Worker consumes queue items one at a time.
type Worker struct {
	id      int
	queue   crawler.Queue
	runner  Runner
	backoff *crawler.ExponentialRetryPolicy
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, queue crawler.Queue, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		runner:  runner,
		backoff: crawler.NewExponentialRetryPolicy(0, dequeueBackoffBase, dequeueBackoffMax),
		logger:  logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes. It returns an error only for failures no task can recover from,
// including a queue that can no longer deliver.
func (w *Worker) Run(ctx context.Context) error {
	failures := 0
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return nil
			}
			if terminalQueueError(err) {
				return fmt.Errorf("dequeue: %w", err)
			}
			delay := w.backoff.Backoff(failures)
			failures++
			w.logger.Error("queue dequeue failed",
				zap.Int("consecutive_failures", failures),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			if crawler.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		failures = 0
		if err := w.process(ctx, item); err != nil {
			return err
		}
	}
}

func terminalQueueError(err error) bool {
	var perm *crawler.PermanentError
	return errors.Is(err, crawler.ErrConfigFatal) || errors.As(err, &perm)
}

// process runs one task and settles its delivery. Every outcome short of a
// fatal one is acknowledged: deferred and failed targets are picked up again
// by the next dispatch round rather than redelivered within this one.
func (w *Worker) process(ctx context.Context, item crawler.QueueItem) error {
	if len(item.Metadata) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(item.Metadata))
	}
	target, err := item.Task.Target()
	if err != nil {
		w.logger.Warn("dropping malformed task",
			zap.String("target_id", item.Task.TargetID),
			zap.String("task_kind", string(item.Task.Kind)),
			zap.Error(err),
		)
		item.Ack()
		return nil
	}

	w.logger.Debug("dequeued task",
		zap.String("target", target.ID()),
		zap.String("emission_id", item.Task.EmissionID),
		zap.Int("attempt", item.Attempt),
	)
	metrics.IncActiveWorkers()
	out := w.runner.Run(ctx, target)
	metrics.DecActiveWorkers()

	if out.Fatal() {
		item.Nack()
		return fmt.Errorf("crawl %s: %w", target.ID(), out.Err)
	}
	item.Ack()
	return nil
}
