// Package cmd defines the CLI for the social-ingest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-ingest/internal/config"
	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/logging"
	"github.com/JakeFAU/social-ingest/internal/planner"
	"github.com/JakeFAU/social-ingest/internal/server"
	"github.com/JakeFAU/social-ingest/internal/telemetry"
)

const serviceName = "social-ingest"

// version is set at build time with -ldflags "-X".
var version = "dev"

// App is what the subcommands need from the application. Tests swap in a
// fake through newApp.
type App interface {
	Serve(ctx context.Context) error
	Dispatch(ctx context.Context) error
	Work(ctx context.Context) error
	CrawlOnce(ctx context.Context, targets []crawler.Target) ([]planner.Outcome, error)
	Cursors() crawler.CursorStore
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

type appKeyType struct{}

// runtime is the per-invocation state shared by the hooks.
type runtime struct {
	configPath string
	envFile    string
	logger     *zap.Logger
	shutdown   []func(context.Context) error
}

func newRootCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Incremental, resumable ingestion of public social posts.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return rt.start(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&rt.configPath, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&rt.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	cmd.AddCommand(
		newServeCmd(),
		newDispatchCmd(),
		newWorkCmd(),
		newCrawlCmd(),
		newCursorCmd(),
	)
	return cmd
}

func (rt *runtime) start(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(rt.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Service:     serviceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	rt.logger = logger

	ctx := cmd.Context()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Options{ServiceName: serviceName, ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	rt.shutdown = append(rt.shutdown, tp.Shutdown)

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	rt.shutdown = append(rt.shutdown, app.Close)

	cmd.SetContext(context.WithValue(ctx, appKeyType{}, app))
	return nil
}

// stop releases everything start built, in reverse order. It runs whether
// or not the command succeeded.
func (rt *runtime) stop(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(rt.shutdown) - 1; i >= 0; i-- {
		if err := rt.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.shutdown = nil
	if rt.logger != nil {
		_ = rt.logger.Sync()
	}
	return errors.Join(errs...)
}

func resolveApp(ctx context.Context) (App, error) {
	app, ok := ctx.Value(appKeyType{}).(App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

// Execute runs the CLI and returns the process exit code. A configuration
// fatal error exits with 2 so supervisors can tell it from a crash.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := &runtime{}
	err := newRootCmd(rt).ExecuteContext(ctx)
	err = errors.Join(err, rt.stop(ctx))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		if errors.Is(err, crawler.ErrConfigFatal) {
			return 2
		}
		return 1
	}
	return 0
}
