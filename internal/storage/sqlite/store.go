// Package sqlite persists posts and cursors in a single-file SQLite database
// for local runs and the one-shot crawl command.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS canonical_posts (
	id            TEXT    NOT NULL,
	source        TEXT    NOT NULL,
	target_id     TEXT    NOT NULL,
	native_id     TEXT    NOT NULL,
	parent_thread TEXT,
	author        TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	body_text     TEXT    NOT NULL DEFAULT '',
	raw           TEXT    NOT NULL,
	has_media     INTEGER NOT NULL DEFAULT 0,
	like_count    INTEGER,
	repost_count  INTEGER,
	reply_count   INTEGER,
	quote_count   INTEGER,
	PRIMARY KEY (id, created_at),
	UNIQUE (source, native_id, created_at)
);
CREATE INDEX IF NOT EXISTS canonical_posts_target_idx ON canonical_posts (target_id, created_at);

CREATE TABLE IF NOT EXISTS crawl_cursors (
	target_id           TEXT    PRIMARY KEY,
	last_position       TEXT    NOT NULL DEFAULT '',
	last_seen_at        INTEGER,
	backfill_pages_done INTEGER NOT NULL DEFAULT 0,
	backfill_started_at INTEGER,
	backfill_done       INTEGER NOT NULL DEFAULT 0,
	oldest_seen_at      INTEGER,
	updated_at          INTEGER NOT NULL
);
`

// Store implements crawler.PostStore and crawler.CursorStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps the busy handler out of the picture.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping verifies the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Persist inserts batch in one transaction and returns the count of new rows.
func (s *Store) Persist(ctx context.Context, batch []crawler.CanonicalPost) (inserted int, err error) {
	if len(batch) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO canonical_posts (
	id, source, target_id, native_id, parent_thread, author, created_at,
	body_text, raw, has_media, like_count, repost_count, reply_count, quote_count
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, post := range batch {
		var likes, reposts, replies, quotes *int64
		if e := post.Engagement; e != nil {
			likes, reposts, replies, quotes = e.Likes, e.Reposts, e.Replies, e.Quotes
		}
		raw := string(post.Body)
		if raw == "" {
			raw = "null"
		}
		res, execErr := stmt.ExecContext(ctx,
			post.ID,
			string(post.Source),
			post.TargetID,
			post.NativeID,
			post.ParentThread,
			post.Author,
			post.CreatedAt.UnixNano(),
			post.Text,
			raw,
			post.HasMedia,
			likes,
			reposts,
			replies,
			quotes,
		)
		if execErr != nil {
			return 0, fmt.Errorf("insert post %s: %w", post.NativeID, execErr)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit posts: %w", err)
	}
	return inserted, nil
}

// CountPosts returns the number of stored posts for targetID, or all posts
// when targetID is empty.
func (s *Store) CountPosts(ctx context.Context, targetID string) (int, error) {
	query := `SELECT COUNT(*) FROM canonical_posts`
	var args []any
	if targetID != "" {
		query += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

const cursorColumns = `target_id, last_position, last_seen_at, backfill_pages_done,
	backfill_started_at, backfill_done, oldest_seen_at, updated_at`

// Load returns the cursor for targetID.
func (s *Store) Load(ctx context.Context, targetID string) (crawler.CursorState, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cursorColumns+` FROM crawl_cursors WHERE target_id = ?`, targetID)
	state, err := scanCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CursorState{}, false, nil
	}
	if err != nil {
		return crawler.CursorState{}, false, fmt.Errorf("load cursor %s: %w", targetID, err)
	}
	return state, true, nil
}

// Save replaces the whole cursor record.
func (s *Store) Save(ctx context.Context, state crawler.CursorState) error {
	if state.TargetID == "" {
		return fmt.Errorf("cursor target id is required")
	}
	var lastSeen *time.Time
	if !state.LastSeenAt.IsZero() {
		lastSeen = &state.LastSeenAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO crawl_cursors (`+cursorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state.TargetID,
		state.LastPosition.String(),
		nullNanos(lastSeen),
		state.BackfillPagesDone,
		nullNanos(state.BackfillStartedAt),
		state.BackfillDone,
		nullNanos(state.OldestSeenAt),
		state.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", state.TargetID, err)
	}
	return nil
}

// Delete removes the cursor for targetID.
func (s *Store) Delete(ctx context.Context, targetID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM crawl_cursors WHERE target_id = ?`, targetID); err != nil {
		return fmt.Errorf("delete cursor %s: %w", targetID, err)
	}
	return nil
}

// List returns every cursor ordered by target.
func (s *Store) List(ctx context.Context) ([]crawler.CursorState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cursorColumns+` FROM crawl_cursors ORDER BY target_id`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []crawler.CursorState
	for rows.Next() {
		state, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCursor(row scanner) (crawler.CursorState, error) {
	var (
		state                     crawler.CursorState
		position                  string
		lastSeen, started, oldest sql.NullInt64
		updated                   int64
	)
	err := row.Scan(
		&state.TargetID,
		&position,
		&lastSeen,
		&state.BackfillPagesDone,
		&started,
		&state.BackfillDone,
		&oldest,
		&updated,
	)
	if err != nil {
		return crawler.CursorState{}, err
	}
	if state.LastPosition, err = crawler.ParsePosition(position); err != nil {
		return crawler.CursorState{}, fmt.Errorf("parse stored position: %w", err)
	}
	if t := fromNanos(lastSeen); t != nil {
		state.LastSeenAt = *t
	}
	state.BackfillStartedAt = fromNanos(started)
	state.OldestSeenAt = fromNanos(oldest)
	state.UpdatedAt = time.Unix(0, updated).UTC()
	return state, nil
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
