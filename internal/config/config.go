// Package config loads and validates ingest configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/planner"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Targets  []crawler.Target `mapstructure:"targets"`
	Crawl    CrawlConfig      `mapstructure:"crawl"`
	Dispatch DispatchConfig   `mapstructure:"dispatch"`
	Worker   WorkerConfig     `mapstructure:"worker"`
	Queue    QueueConfig      `mapstructure:"queue"`
	PubSub   PubSubConfig     `mapstructure:"pubsub"`
	Cursor   CursorConfig     `mapstructure:"cursor"`
	Posts    PostsConfig      `mapstructure:"posts"`
	DB       DBConfig         `mapstructure:"db"`
	SQLite   SQLiteConfig     `mapstructure:"sqlite"`
	Forum    ForumConfig      `mapstructure:"forum"`
	Feed     FeedConfig       `mapstructure:"feed"`
	Archive  ArchiveConfig    `mapstructure:"archive"`
	Server   ServerConfig     `mapstructure:"server"`
	Logging  LoggingConfig    `mapstructure:"logging"`
}

// CrawlConfig bounds paging per invocation.
type CrawlConfig struct {
	HeadPages           int `mapstructure:"head_pages"`
	BackfillPages       int `mapstructure:"backfill_pages"`
	MaxBackfillHours    int `mapstructure:"max_backfill_hours"`
	PageDelayMs         int `mapstructure:"page_delay_ms"`
	FetchTimeoutSeconds int `mapstructure:"fetch_timeout_seconds"`
}

// DispatchConfig controls the emission schedule.
type DispatchConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// QueueConfig selects the task transport.
type QueueConfig struct {
	Provider string `mapstructure:"provider"`
	Depth    int    `mapstructure:"depth"`
}

// PubSubConfig names the Pub/Sub resources.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// CursorConfig selects the cursor store.
type CursorConfig struct {
	Provider string `mapstructure:"provider"`
	Dir      string `mapstructure:"dir"`
}

// PostsConfig selects the post store.
type PostsConfig struct {
	Provider string `mapstructure:"provider"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	CursorTable     string        `mapstructure:"cursor_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SQLiteConfig locates the embedded database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ForumConfig configures the imageboard source.
type ForumConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ThreadsPerPage int    `mapstructure:"threads_per_page"`
	UserAgent      string `mapstructure:"user_agent"`
}

// FeedConfig configures the federated feed source.
type FeedConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Handle        string `mapstructure:"handle"`
	AppPassword   string `mapstructure:"app_password"`
	PageSize      int    `mapstructure:"page_size"`
	LoginAttempts int    `mapstructure:"login_attempts"`
}

// ArchiveConfig selects where raw pages are archived.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	BaseDir  string `mapstructure:"base_dir"`
	Prefix   string `mapstructure:"prefix"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// LoadDotEnv loads KEY=value pairs from path into the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindCompatEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		targetsHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %w", crawler.ErrConfigFatal, err)
	}

	cfg.Targets = append(cfg.Targets, compatTargets(v)...)
	if err := cfg.normalizeTargets(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("targets", []crawler.Target{})
	v.SetDefault("crawl.head_pages", 1)
	v.SetDefault("crawl.backfill_pages", 0)
	v.SetDefault("crawl.max_backfill_hours", 24)
	v.SetDefault("crawl.page_delay_ms", 1000)
	v.SetDefault("crawl.fetch_timeout_seconds", 20)
	v.SetDefault("dispatch.interval", "60s")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("cursor.provider", "file")
	v.SetDefault("cursor.dir", "state")
	v.SetDefault("posts.provider", "sqlite")
	v.SetDefault("db.table", "canonical_posts")
	v.SetDefault("db.cursor_table", "crawl_cursors")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("sqlite.path", "social.db")
	v.SetDefault("forum.base_url", "https://a.4cdn.org")
	v.SetDefault("forum.threads_per_page", 15)
	v.SetDefault("forum.user_agent", "social-ingest/0.1")
	v.SetDefault("feed.base_url", "https://bsky.social")
	v.SetDefault("feed.page_size", 100)
	v.SetDefault("feed.login_attempts", 5)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.base_dir", "data/raw")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
}

// bindCompatEnv accepts the historical environment names alongside the
// prefixed ones.
func bindCompatEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"feed.handle":        {"INGEST_FEED_HANDLE", "BSKY_HANDLE"},
		"feed.app_password":  {"INGEST_FEED_APP_PASSWORD", "BSKY_APP_PASSWORD"},
		"compat.chan_boards": {"CHAN_BOARDS"},
		"compat.bsky_actors": {"BSKY_ACTORS"},
		"db.dsn":             {"INGEST_DB_DSN", "DATABASE_URL"},
		"pubsub.project_id":  {"INGEST_PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func compatTargets(v *viper.Viper) []crawler.Target {
	var out []crawler.Target
	for _, board := range splitList(v.GetString("compat.chan_boards")) {
		out = append(out, crawler.Target{Platform: crawler.PlatformForum, Identifier: board})
	}
	for _, actor := range splitList(v.GetString("compat.bsky_actors")) {
		out = append(out, crawler.Target{Platform: crawler.PlatformFeed, Identifier: actor})
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var (
	targetType      = reflect.TypeOf(crawler.Target{})
	targetSliceType = reflect.TypeOf([]crawler.Target{})
)

// targetsHook decodes "platform:identifier" strings, alone or comma
// separated, into targets.
func targetsHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s, _ := data.(string)
	switch to {
	case targetType:
		return parseTarget(s)
	case targetSliceType:
		var out []crawler.Target
		for _, id := range splitList(s) {
			target, err := parseTarget(id)
			if err != nil {
				return nil, err
			}
			out = append(out, target)
		}
		return out, nil
	default:
		return data, nil
	}
}

func parseTarget(id string) (crawler.Target, error) {
	target, err := crawler.ParseTargetID(strings.TrimSpace(id))
	if err != nil {
		return crawler.Target{}, fmt.Errorf("%w: target %q: %w", crawler.ErrConfigFatal, id, err)
	}
	return target, nil
}

// normalizeTargets canonicalizes platform aliases and drops duplicates.
func (c *Config) normalizeTargets() error {
	seen := make(map[crawler.Target]bool, len(c.Targets))
	out := c.Targets[:0]
	for _, target := range c.Targets {
		platform, err := crawler.ParsePlatform(string(target.Platform))
		if err != nil {
			return fmt.Errorf("%w: %w", crawler.ErrConfigFatal, err)
		}
		target.Platform = platform
		target.Identifier = strings.TrimSpace(target.Identifier)
		if seen[target] {
			continue
		}
		seen[target] = true
		out = append(out, target)
	}
	c.Targets = out
	return nil
}

// Validate enforces required values and reasonable limits. Every failure
// wraps crawler.ErrConfigFatal.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Targets) == 0 {
		fail("targets must not be empty")
	}
	needsFeed := false
	for _, target := range c.Targets {
		if target.Identifier == "" {
			fail("target %s has an empty identifier", target.Platform)
		}
		if target.Platform == crawler.PlatformFeed {
			needsFeed = true
		}
	}
	if needsFeed && (c.Feed.Handle == "" || c.Feed.AppPassword == "") {
		fail("feed.handle and feed.app_password are required for feed targets")
	}
	if c.Crawl.HeadPages <= 0 {
		fail("crawl.head_pages must be > 0")
	}
	if c.Crawl.BackfillPages < 0 || c.Crawl.MaxBackfillHours < 0 || c.Crawl.PageDelayMs < 0 {
		fail("crawl bounds must not be negative")
	}
	if c.Crawl.FetchTimeoutSeconds <= 0 {
		fail("crawl.fetch_timeout_seconds must be > 0")
	}
	if c.Dispatch.Interval < time.Second {
		fail("dispatch.interval must be at least 1s")
	}
	if c.Worker.Concurrency <= 0 {
		fail("worker.concurrency must be > 0")
	}
	if c.Server.Port <= 0 {
		fail("server.port must be > 0")
	}

	switch c.Queue.Provider {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			fail("pubsub.project_id and pubsub.topic are required for the pubsub queue")
		}
		if c.PubSub.Subscription == "" {
			fail("pubsub.subscription is required for the pubsub queue")
		}
	default:
		fail("unknown queue.provider %q", c.Queue.Provider)
	}

	usesPostgres := false
	switch c.Cursor.Provider {
	case "memory", "sqlite":
	case "file":
		if c.Cursor.Dir == "" {
			fail("cursor.dir is required for the file cursor store")
		}
	case "postgres":
		usesPostgres = true
	default:
		fail("unknown cursor.provider %q", c.Cursor.Provider)
	}
	switch c.Posts.Provider {
	case "memory", "sqlite":
	case "postgres":
		usesPostgres = true
	default:
		fail("unknown posts.provider %q", c.Posts.Provider)
	}
	if usesPostgres && c.DB.DSN == "" {
		fail("db.dsn is required for postgres stores")
	}
	if c.usesSQLite() && c.SQLite.Path == "" {
		fail("sqlite.path is required for sqlite stores")
	}

	switch c.Archive.Provider {
	case "none", "":
	case "local":
		if c.Archive.BaseDir == "" {
			fail("archive.base_dir is required for the local archive")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			fail("archive.bucket is required for the gcs archive")
		}
	default:
		fail("unknown archive.provider %q", c.Archive.Provider)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", crawler.ErrConfigFatal, errors.Join(errs...))
}

func (c Config) usesSQLite() bool {
	return c.Cursor.Provider == "sqlite" || c.Posts.Provider == "sqlite"
}

// Planner converts crawl bounds into planner configuration.
func (c Config) Planner() planner.Config {
	return planner.Config{
		HeadPages:      c.Crawl.HeadPages,
		BackfillPages:  c.Crawl.BackfillPages,
		MaxBackfillAge: time.Duration(c.Crawl.MaxBackfillHours) * time.Hour,
	}
}

// PageDelay is the minimum gap between requests for one target.
func (c Config) PageDelay() time.Duration {
	return time.Duration(c.Crawl.PageDelayMs) * time.Millisecond
}

// FetchTimeout bounds a single source request.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawl.FetchTimeoutSeconds) * time.Second
}
