// Package dispatcher emits one crawl task per configured target on a fixed
// interval. Emission keeps no state; duplicate tasks are harmless downstream.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/metrics"
)

// DefaultInterval applies when Config.Interval is unset.
const DefaultInterval = time.Minute

// Enqueuer is the publishing half of crawler.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task crawler.Task) error
}

// Config controls the schedule.
type Config struct {
	Interval time.Duration
}

// Dispatcher enumerates targets and enqueues crawl tasks.
type Dispatcher struct {
	cfg     Config
	targets []crawler.Target
	queue   Enqueuer
	ids     crawler.IDGenerator
	logger  *zap.Logger
}

// New creates a Dispatcher. ids may be nil, in which case tasks carry no
// emission ID.
func New(cfg Config, targets []crawler.Target, queue Enqueuer, ids crawler.IDGenerator, logger *zap.Logger) (*Dispatcher, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < time.Second {
		return nil, fmt.Errorf("dispatch interval %s is below one second", cfg.Interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		targets: append([]crawler.Target(nil), targets...),
		queue:   queue,
		ids:     ids,
		logger:  logger.Named("dispatcher"),
	}, nil
}

// EmitOnce enqueues one task per target and returns how many were accepted.
// A failed enqueue does not stop the round; failures are joined.
func (d *Dispatcher) EmitOnce(ctx context.Context) (int, error) {
	emission := ""
	if d.ids != nil {
		id, err := d.ids.NewID()
		if err != nil {
			d.logger.Warn("emission id unavailable", zap.Error(err))
		}
		emission = id
	}

	var (
		emitted int
		errs    []error
	)
	for _, target := range d.targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("emit canceled: %w", err))
			break
		}
		task := crawler.TaskFor(target)
		task.EmissionID = emission
		if err := d.queue.Enqueue(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", target.ID(), err))
			continue
		}
		emitted++
		metrics.ObserveTaskEmitted(string(task.Kind))
	}

	fields := []zap.Field{
		zap.String("emission_id", emission),
		zap.Int("emitted", emitted),
		zap.Int("targets", len(d.targets)),
	}
	err := errors.Join(errs...)
	if err != nil {
		d.logger.Warn("dispatch round incomplete", append(fields, zap.Error(err))...)
		return emitted, err
	}
	d.logger.Info("dispatch round emitted", fields...)
	return emitted, nil
}

// Run emits immediately and then every interval until ctx ends. Rounds never
// overlap; a slow round causes the next tick to be skipped.
func (d *Dispatcher) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{d.logger})))
	if _, err := c.AddFunc("@every "+d.cfg.Interval.String(), func() {
		_, _ = d.EmitOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule dispatch: %w", err)
	}
	_, _ = d.EmitOnce(ctx)
	c.Start()
	d.logger.Info("dispatch scheduled", zap.Duration("interval", d.cfg.Interval))

	<-ctx.Done()
	<-c.Stop().Done()
	d.logger.Info("dispatch stopped")
	return nil
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
