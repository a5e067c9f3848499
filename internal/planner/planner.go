// Package planner runs one crawl invocation for a target: a bounded head
// sweep, then backfill while the history budget lasts. Posts are always
// persisted before the cursor that covers them is saved.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/metrics"
)

const tracerName = "github.com/JakeFAU/social-ingest/internal/planner"

// errStop ends a sweep without failing the run.
var errStop = errors.New("stop sweep")

// Planner drives adapters and owns cursor advancement.
type Planner struct {
	cfg        Config
	adapters   map[crawler.Platform]crawler.Adapter
	normalizer crawler.Normalizer
	posts      crawler.PostStore
	cursors    crawler.CursorStore
	throttle   crawler.Throttle
	archive    crawler.BlobStore
	clock      crawler.Clock
	tracer     trace.Tracer
	logger     *zap.Logger
}

// New constructs a Planner. throttle and archive may be nil.
func New(
	cfg Config,
	adapters []crawler.Adapter,
	normalizer crawler.Normalizer,
	posts crawler.PostStore,
	cursors crawler.CursorStore,
	throttle crawler.Throttle,
	archive crawler.BlobStore,
	clock crawler.Clock,
	logger *zap.Logger,
) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	byPlatform := make(map[crawler.Platform]crawler.Adapter, len(adapters))
	for _, a := range adapters {
		byPlatform[a.Platform()] = a
	}
	return &Planner{
		cfg:        cfg.Normalize(),
		adapters:   byPlatform,
		normalizer: normalizer,
		posts:      posts,
		cursors:    cursors,
		throttle:   throttle,
		archive:    archive,
		clock:      clock,
		tracer:     otel.Tracer(tracerName),
		logger:     logger.Named("planner"),
	}
}

// Config returns the effective bounds.
func (p *Planner) Config() Config {
	return p.cfg
}

// Run executes one invocation for target. It never panics on source or
// normalizer failures; every problem is reported through the Outcome.
func (p *Planner) Run(ctx context.Context, target crawler.Target) Outcome {
	ctx, span := p.tracer.Start(ctx, "planner.Run", trace.WithAttributes(
		attribute.String("target.id", target.ID()),
		attribute.String("target.platform", string(target.Platform)),
	))
	defer span.End()

	out := p.run(ctx, target)

	span.SetAttributes(
		attribute.String("outcome.status", string(out.Status)),
		attribute.Int("outcome.pages", out.Pages),
		attribute.Int("outcome.inserted", out.Inserted),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		if out.Status == StatusFailed {
			span.SetStatus(codes.Error, out.Err.Error())
		}
	}
	metrics.ObserveOutcome(string(target.Platform), string(out.Status))
	p.log(out)
	return out
}

func (p *Planner) run(ctx context.Context, target crawler.Target) Outcome {
	out := Outcome{Target: target}
	adapter, ok := p.adapters[target.Platform]
	if !ok {
		return fail(out, &crawler.PermanentError{Err: fmt.Errorf("no adapter for platform %q", target.Platform)})
	}

	id := target.ID()
	state, found, err := p.cursors.Load(ctx, id)
	if err != nil {
		return fail(out, fmt.Errorf("load cursor %s: %w", id, err))
	}
	out.Phase = PhaseOf(state, found, p.cfg)
	if !found {
		state = crawler.CursorState{TargetID: id}
	}

	r := &run{planner: p, adapter: adapter, target: target, state: state, stored: found, out: &out}
	if err := r.headSweep(ctx); err != nil {
		return r.finish(err)
	}
	if err := r.backfillSweep(ctx); err != nil {
		return r.finish(err)
	}
	return r.finish(nil)
}

// run is the mutable state of one invocation.
type run struct {
	planner *Planner
	adapter crawler.Adapter
	target  crawler.Target
	state   crawler.CursorState
	stored  bool
	out     *Outcome
}

func (r *run) headSweep(ctx context.Context) error {
	for page := 0; page < r.planner.cfg.HeadPages; page++ {
		done, err := r.page(ctx, crawler.FetchHead, page == 0)
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

func (r *run) backfillSweep(ctx context.Context) error {
	cfg := r.planner.cfg
	if cfg.BackfillPages <= 0 || r.state.BackfillDone {
		return nil
	}
	for start := true; ; start = false {
		if !backfillOpen(r.state, cfg, r.planner.clock.Now()) {
			r.state.BackfillDone = true
			return r.save(ctx)
		}
		done, err := r.page(ctx, crawler.FetchBackfill, start)
		if errors.Is(err, errStop) {
			r.state.BackfillDone = true
			return r.save(ctx)
		}
		if err != nil {
			return err
		}
		if done {
			r.state.BackfillDone = true
			return r.save(ctx)
		}
	}
}

// page fetches, persists and then advances the cursor for one page. done
// reports that the adapter has nothing further in this mode.
func (r *run) page(ctx context.Context, mode crawler.FetchMode, start bool) (bool, error) {
	p := r.planner
	if r.out.Pages > 0 && p.throttle != nil {
		if err := p.throttle.Wait(ctx, r.target.ID()); err != nil {
			return false, fmt.Errorf("page delay: %w", err)
		}
	}

	from := r.state.LastPosition
	fetched, err := r.adapter.Fetch(ctx, crawler.FetchRequest{
		Target:     r.target,
		Position:   from,
		Mode:       mode,
		SweepStart: start,
	})
	if err != nil {
		if crawler.Classify(err) == crawler.ClassTargetTerminal {
			p.logger.Warn("sub-resource gone, stopping sweep",
				zap.String("target", r.target.ID()),
				zap.String("mode", string(mode)),
				zap.Error(err),
			)
			return false, errStop
		}
		return false, fmt.Errorf("fetch %s page: %w", mode, err)
	}

	r.out.Pages++
	r.out.Fetched += len(fetched.Items)
	r.out.Gone = append(r.out.Gone, fetched.Gone...)
	r.archivePage(ctx, mode, fetched)

	posts, stats := p.normalizer.Batch(r.target, fetched.Items)
	inserted, err := p.posts.Persist(ctx, posts)
	if err != nil {
		return false, fmt.Errorf("persist %d posts: %w", len(posts), err)
	}
	r.out.Inserted += inserted
	r.out.Skipped += stats.Skipped
	metrics.ObservePage(string(r.target.Platform), string(mode), inserted, stats.Skipped)

	next := fetched.Next
	if next.IsZero() {
		next = from
	}
	progressed := !next.Equal(from)
	changed := progressed || !r.stored

	r.state.LastPosition = next
	if newest, oldest, ok := timeBounds(posts); ok {
		if newest.After(r.state.LastSeenAt) {
			r.state.LastSeenAt = newest
			changed = true
		}
		if r.state.OldestSeenAt == nil || oldest.Before(*r.state.OldestSeenAt) {
			r.state.OldestSeenAt = &oldest
			changed = true
		}
	}
	if mode == crawler.FetchBackfill && (progressed || len(fetched.Items) > 0) {
		if r.state.BackfillStartedAt == nil {
			started := p.clock.Now()
			r.state.BackfillStartedAt = &started
		}
		r.state.BackfillPagesDone++
		changed = true
	}
	if changed {
		if err := r.save(ctx); err != nil {
			return false, err
		}
	}
	return fetched.Exhausted || !progressed, nil
}

func (r *run) save(ctx context.Context) error {
	r.state.UpdatedAt = r.planner.clock.Now()
	if err := r.planner.cursors.Save(ctx, r.state); err != nil {
		return fmt.Errorf("save cursor %s: %w", r.state.TargetID, err)
	}
	r.stored = true
	return nil
}

func (r *run) finish(err error) Outcome {
	out := *r.out
	out.FinalPhase = PhaseOf(r.state, r.stored, r.planner.cfg)
	if err == nil {
		out.Status = StatusCompleted
		return out
	}
	out.Err = err
	if crawler.Classify(err) == crawler.ClassRateLimited {
		out.Status = StatusDeferred
		out.RetryAfter = crawler.RetryAfter(err)
		return out
	}
	out.Status = StatusFailed
	return out
}

func (r *run) archivePage(ctx context.Context, mode crawler.FetchMode, page crawler.FetchPage) {
	p := r.planner
	if p.archive == nil || len(page.Items) == 0 {
		return
	}
	raw := make([]json.RawMessage, 0, len(page.Items))
	for _, item := range page.Items {
		raw = append(raw, item.Data)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		p.logger.Warn("archive encode failed", zap.String("target", r.target.ID()), zap.Error(err))
		return
	}
	now := p.clock.Now().UTC()
	path := fmt.Sprintf("%s/%s/%s/%s-%s-%s.json",
		r.target.Platform,
		r.target.Identifier,
		now.Format("2006/01/02"),
		now.Format("150405.000000000"),
		mode,
		strconv.Itoa(r.out.Pages),
	)
	if _, err := p.archive.PutObject(ctx, path, "application/json", bytes.NewReader(data)); err != nil {
		p.logger.Warn("archive raw page failed", zap.String("target", r.target.ID()), zap.String("path", path), zap.Error(err))
	}
}

func (p *Planner) log(out Outcome) {
	fields := []zap.Field{
		zap.String("target", out.Target.ID()),
		zap.String("phase", string(out.Phase)),
		zap.String("final_phase", string(out.FinalPhase)),
		zap.Int("pages", out.Pages),
		zap.Int("fetched", out.Fetched),
		zap.Int("inserted", out.Inserted),
		zap.Int("skipped", out.Skipped),
	}
	if len(out.Gone) > 0 {
		p.logger.Warn("threads gone", append(fields, zap.Strings("gone", out.Gone))...)
	}
	switch out.Status {
	case StatusCompleted:
		p.logger.Info("crawl completed", fields...)
	case StatusDeferred:
		p.logger.Warn("crawl deferred", append(fields, zap.Duration("retry_after", out.RetryAfter), zap.Error(out.Err))...)
	default:
		p.logger.Error("crawl failed", append(fields, zap.Error(out.Err))...)
	}
}

func fail(out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Err = err
	return out
}

// timeBounds returns the newest and oldest creation times in posts.
func timeBounds(posts []crawler.CanonicalPost) (newest, oldest time.Time, ok bool) {
	for i, post := range posts {
		if i == 0 || post.CreatedAt.After(newest) {
			newest = post.CreatedAt
		}
		if i == 0 || post.CreatedAt.Before(oldest) {
			oldest = post.CreatedAt
		}
	}
	return newest, oldest, len(posts) > 0
}
