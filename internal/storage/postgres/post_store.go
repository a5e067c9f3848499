// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultPostsTable   = "canonical_posts"
	defaultCursorsTable = "crawl_cursors"
	// rowsPerStatement keeps bind parameters well under the protocol limit.
	rowsPerStatement = 500
	postColumns      = 14
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	CursorTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the stores use.
type Pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Connect opens a pool from cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// PostStore writes canonical posts. Dedup relies on the table's primary key
// and unique constraint; inserts use ON CONFLICT DO NOTHING.
type PostStore struct {
	pool  Pool
	table string
}

// NewPostStore constructs a store from an existing pool.
func NewPostStore(pool Pool, table string) (*PostStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, defaultPostsTable)
	if err != nil {
		return nil, err
	}
	return &PostStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the posts table if it does not exist.
func (s *PostStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(postsDDL, s.table)); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Persist inserts batch in one transaction and returns the number of new
// rows. Re-submitting any subset is a no-op for rows already present.
func (s *PostStore) Persist(ctx context.Context, batch []crawler.CanonicalPost) (inserted int, err error) {
	if len(batch) == 0 {
		return 0, nil
	}
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("post store is not configured")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	for start := 0; start < len(batch); start += rowsPerStatement {
		chunk := batch[start:min(start+rowsPerStatement, len(batch))]
		query, args := s.insertStatement(chunk)
		tag, execErr := tx.Exec(ctx, query, args...)
		if execErr != nil {
			return 0, fmt.Errorf("insert posts: %w", execErr)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit posts: %w", err)
	}
	return inserted, nil
}

func (s *PostStore) insertStatement(chunk []crawler.CanonicalPost) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, `INSERT INTO %s (
	id, source, target_id, native_id, parent_thread, author, created_at,
	body_text, raw, has_media, like_count, repost_count, reply_count, quote_count
) VALUES `, s.table)
	args := make([]any, 0, len(chunk)*postColumns)
	for i, post := range chunk {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for col := 0; col < postColumns; col++ {
			if col > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", i*postColumns+col+1)
		}
		b.WriteString(")")
		args = append(args, postArgs(post)...)
	}
	b.WriteString(" ON CONFLICT DO NOTHING")
	return b.String(), args
}

func postArgs(post crawler.CanonicalPost) []any {
	var likes, reposts, replies, quotes *int64
	if e := post.Engagement; e != nil {
		likes, reposts, replies, quotes = e.Likes, e.Reposts, e.Replies, e.Quotes
	}
	raw := []byte(post.Body)
	if len(raw) == 0 {
		raw = []byte("null")
	}
	return []any{
		post.ID,
		string(post.Source),
		post.TargetID,
		post.NativeID,
		post.ParentThread,
		post.Author,
		post.CreatedAt.UTC(),
		post.Text,
		raw,
		post.HasMedia,
		likes,
		reposts,
		replies,
		quotes,
	}
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}
