package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// CursorStore keeps one row per target. Save is a single upsert of the whole
// record, so readers never observe a partial update.
type CursorStore struct {
	pool  Pool
	table string
}

// NewCursorStore constructs a store from an existing pool.
func NewCursorStore(pool Pool, table string) (*CursorStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, defaultCursorsTable)
	if err != nil {
		return nil, err
	}
	return &CursorStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the cursor table if it does not exist.
func (s *CursorStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(cursorsDDL, s.table)); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

const cursorColumns = `target_id, last_position, last_seen_at, backfill_pages_done,
	backfill_started_at, backfill_done, oldest_seen_at, updated_at`

// Load returns the record for targetID.
func (s *CursorStore) Load(ctx context.Context, targetID string) (crawler.CursorState, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE target_id = $1`, cursorColumns, s.table)
	state, err := scanCursor(s.pool.QueryRow(ctx, query, targetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CursorState{}, false, nil
	}
	if err != nil {
		return crawler.CursorState{}, false, fmt.Errorf("load cursor %s: %w", targetID, err)
	}
	return state, true, nil
}

// Save upserts the whole record.
func (s *CursorStore) Save(ctx context.Context, state crawler.CursorState) error {
	if state.TargetID == "" {
		return fmt.Errorf("cursor target id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (target_id) DO UPDATE SET
	last_position = EXCLUDED.last_position,
	last_seen_at = EXCLUDED.last_seen_at,
	backfill_pages_done = EXCLUDED.backfill_pages_done,
	backfill_started_at = EXCLUDED.backfill_started_at,
	backfill_done = EXCLUDED.backfill_done,
	oldest_seen_at = EXCLUDED.oldest_seen_at,
	updated_at = EXCLUDED.updated_at`, s.table, cursorColumns)
	_, err := s.pool.Exec(ctx, query,
		state.TargetID,
		state.LastPosition.String(),
		nullTime(state.LastSeenAt),
		state.BackfillPagesDone,
		state.BackfillStartedAt,
		state.BackfillDone,
		state.OldestSeenAt,
		state.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", state.TargetID, err)
	}
	return nil
}

// Delete removes the record for targetID.
func (s *CursorStore) Delete(ctx context.Context, targetID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE target_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, targetID); err != nil {
		return fmt.Errorf("delete cursor %s: %w", targetID, err)
	}
	return nil
}

// List returns every record ordered by target.
func (s *CursorStore) List(ctx context.Context) ([]crawler.CursorState, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY target_id`, cursorColumns, s.table)
	rows, err := s.pool.Query(ctx, query)
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

// Close releases the pool.
func (s *CursorStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func scanCursor(row pgx.Row) (crawler.CursorState, error) {
	var (
		state    crawler.CursorState
		position string
		lastSeen *time.Time
	)
	err := row.Scan(
		&state.TargetID,
		&position,
		&lastSeen,
		&state.BackfillPagesDone,
		&state.BackfillStartedAt,
		&state.BackfillDone,
		&state.OldestSeenAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return crawler.CursorState{}, err
	}
	pos, err := crawler.ParsePosition(position)
	if err != nil {
		return crawler.CursorState{}, fmt.Errorf("parse stored position: %w", err)
	}
	state.LastPosition = pos
	if lastSeen != nil {
		state.LastSeenAt = lastSeen.UTC()
	}
	return state, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
