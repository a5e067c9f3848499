// Package server builds the application's dependencies from configuration
// and runs them as the serve, dispatch, work and crawl roles.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/social-ingest/internal/api"
	"github.com/JakeFAU/social-ingest/internal/clock/system"
	"github.com/JakeFAU/social-ingest/internal/config"
	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/dispatcher"
	"github.com/JakeFAU/social-ingest/internal/hash/sha256"
	"github.com/JakeFAU/social-ingest/internal/id/uuid"
	"github.com/JakeFAU/social-ingest/internal/normalize"
	"github.com/JakeFAU/social-ingest/internal/planner"
	"github.com/JakeFAU/social-ingest/internal/policy/ratelimit"
	memoryqueue "github.com/JakeFAU/social-ingest/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/social-ingest/internal/queue/pubsub"
	"github.com/JakeFAU/social-ingest/internal/source/feed"
	"github.com/JakeFAU/social-ingest/internal/source/forum"
	gcsstorage "github.com/JakeFAU/social-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/social-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/social-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/social-ingest/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/social-ingest/internal/storage/sqlite"
	"github.com/JakeFAU/social-ingest/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// taskQueue is what the roles need from a transport.
type taskQueue interface {
	crawler.Queue
	Close() error
}

// memoryTaskQueue adapts the in-process queue's Close signature.
type memoryTaskQueue struct {
	*memoryqueue.Queue
}

func (q memoryTaskQueue) Close() error {
	q.Queue.Close()
	return nil
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock   crawler.Clock
	ids     crawler.IDGenerator
	posts   crawler.PostStore
	cursors crawler.CursorStore
	archive crawler.BlobStore
	queue   taskQueue
	planner *planner.Planner

	pgPool     *pgxpool.Pool
	sqlite     *sqlitestore.Store
	closeFuncs []func(context.Context) error
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}

	logger.Info("building application dependencies",
		zap.Int("targets", len(cfg.Targets)),
		zap.String("queue", cfg.Queue.Provider),
		zap.String("cursors", cfg.Cursor.Provider),
		zap.String("posts", cfg.Posts.Provider),
		zap.String("archive", cfg.Archive.Provider),
	)

	steps := []func(context.Context) error{app.setupStores, app.setupArchive, app.setupQueue}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			if closeErr := app.Close(context.Background()); closeErr != nil {
				logger.Warn("partial build cleanup failed", zap.Error(closeErr))
			}
			return nil, err
		}
	}
	app.setupPlanner()
	return app, nil
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.Cursor.Provider == "postgres" || a.cfg.Posts.Provider == "postgres" {
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		a.pgPool = pool
		a.closeFuncs = append(a.closeFuncs, func(context.Context) error {
			pool.Close()
			return nil
		})
	}
	if a.cfg.Cursor.Provider == "sqlite" || a.cfg.Posts.Provider == "sqlite" {
		store, err := sqlitestore.Open(ctx, a.cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
		a.sqlite = store
		a.closeFuncs = append(a.closeFuncs, func(context.Context) error { return store.Close() })
	}

	switch a.cfg.Posts.Provider {
	case "postgres":
		store, err := pgstore.NewPostStore(a.pgPool, a.cfg.DB.Table)
		if err != nil {
			return fmt.Errorf("post store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		// The pool is closed once by closeFuncs.
		a.posts = nopClosePosts{store}
	case "sqlite":
		a.posts = nopClosePosts{a.sqlite}
	default:
		a.logger.Warn("using in-memory post store; posts are lost on exit")
		a.posts = memorystorage.NewPostStore()
	}

	switch a.cfg.Cursor.Provider {
	case "postgres":
		store, err := pgstore.NewCursorStore(a.pgPool, a.cfg.DB.CursorTable)
		if err != nil {
			return fmt.Errorf("cursor store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		a.cursors = store
	case "sqlite":
		a.cursors = a.sqlite
	case "file":
		store, err := localstorage.NewCursorStore(localstorage.Config{BaseDir: a.cfg.Cursor.Dir})
		if err != nil {
			return fmt.Errorf("cursor store init failed: %w", err)
		}
		a.cursors = store
	default:
		a.logger.Warn("using in-memory cursor store; cursors are lost on exit")
		a.cursors = memorystorage.NewCursorStore()
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Provider {
	case "gcs":
		client, err := gcsstorage.NewClient(ctx, a.cfg.Archive.Bucket, a.logger)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closeFuncs = append(a.closeFuncs, func(context.Context) error { return client.Close() })
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket, Prefix: a.cfg.Archive.Prefix})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = store
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = store
	default:
		a.logger.Info("raw page archive disabled")
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Provider {
	case "pubsub":
		q, err := pubsubqueue.Open(ctx, pubsubqueue.Config{
			ProjectID:      a.cfg.PubSub.ProjectID,
			Topic:          a.cfg.PubSub.Topic,
			Subscription:   a.cfg.PubSub.Subscription,
			MaxOutstanding: a.cfg.Worker.Concurrency,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.queue = q
		a.logger.Info("Pub/Sub queue initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
			zap.String("subscription", a.cfg.PubSub.Subscription),
		)
	default:
		a.queue = memoryTaskQueue{memoryqueue.NewQueue(a.cfg.Queue.Depth)}
	}
	return nil
}

func (a *App) setupPlanner() {
	limiter := ratelimit.New(ratelimit.Config{MinDelay: a.cfg.PageDelay(), Burst: 1})

	adapters := []crawler.Adapter{
		forum.NewAdapter(forum.NewClient(forum.Config{
			BaseURL:   a.cfg.Forum.BaseURL,
			UserAgent: a.cfg.Forum.UserAgent,
			Timeout:   a.cfg.FetchTimeout(),
		}, nil), limiter, a.cfg.Forum.ThreadsPerPage),
	}
	if a.cfg.Feed.Handle != "" {
		adapters = append(adapters, feed.NewAdapter(feed.NewClient(feed.Config{
			BaseURL:       a.cfg.Feed.BaseURL,
			Handle:        a.cfg.Feed.Handle,
			AppPassword:   a.cfg.Feed.AppPassword,
			PageSize:      a.cfg.Feed.PageSize,
			LoginAttempts: a.cfg.Feed.LoginAttempts,
			Timeout:       a.cfg.FetchTimeout(),
		}, nil, nil, a.logger.Named("feed"))))
	}

	a.planner = planner.New(
		a.cfg.Planner(),
		adapters,
		normalize.New(sha256.New()),
		a.posts,
		a.cursors,
		limiter,
		a.archive,
		a.clock,
		a.logger,
	)
	a.logger.Info("planner ready",
		zap.Int("head_pages", a.cfg.Crawl.HeadPages),
		zap.Int("backfill_pages", a.cfg.Crawl.BackfillPages),
		zap.Duration("page_delay", a.cfg.PageDelay()),
	)
}

// Planner exposes the configured planner.
func (a *App) Planner() *planner.Planner {
	return a.planner
}

// Cursors exposes the configured cursor store.
func (a *App) Cursors() crawler.CursorStore {
	return a.cursors
}

// Serve runs the admin API, the dispatcher and the worker pool until ctx is
// canceled or a role fails.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serveHTTP(ctx) })
	g.Go(func() error { return a.Dispatch(ctx) })
	g.Go(func() error { return a.Work(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Dispatch emits one task per target on the configured interval.
func (a *App) Dispatch(ctx context.Context) error {
	d, err := dispatcher.New(dispatcher.Config{Interval: a.cfg.Dispatch.Interval}, a.cfg.Targets, a.queue, a.ids, a.logger)
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	return d.Run(ctx)
}

// Work consumes tasks with the configured number of workers.
func (a *App) Work(ctx context.Context) error {
	pool, err := worker.NewPool(a.cfg.Worker.Concurrency, a.queue, a.planner, a.logger)
	if err != nil {
		return fmt.Errorf("worker pool init failed: %w", err)
	}
	return pool.Run(ctx)
}

// CrawlOnce runs the planner for each target sequentially. A configuration
// fatal outcome stops the loop and is returned as an error.
func (a *App) CrawlOnce(ctx context.Context, targets []crawler.Target) ([]planner.Outcome, error) {
	if len(targets) == 0 {
		targets = a.cfg.Targets
	}
	outcomes := make([]planner.Outcome, 0, len(targets))
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out := a.planner.Run(ctx, target)
		outcomes = append(outcomes, out)
		if out.Fatal() {
			return outcomes, fmt.Errorf("crawl %s: %w", target.ID(), out.Err)
		}
	}
	return outcomes, nil
}

func (a *App) serveHTTP(ctx context.Context) error {
	apiServer := api.NewServer(
		a.cfg.Targets,
		a.cursors,
		a.queue,
		a.ids,
		a.cfg.Planner(),
		api.Options{APIKey: a.cfg.Server.APIKey, Ready: a.ready},
		a.logger,
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pgPool != nil {
		if err := a.pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.sqlite != nil {
		if err := a.sqlite.Ping(ctx); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if a.posts != nil {
		if err := a.posts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close post store: %w", err))
		}
	}
	for i := len(a.closeFuncs) - 1; i >= 0; i-- {
		if err := a.closeFuncs[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeFuncs = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

// nopClosePosts defers closing a shared backend to closeFuncs.
type nopClosePosts struct {
	crawler.PostStore
}

func (nopClosePosts) Close() error { return nil }
