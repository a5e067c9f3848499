package postgres

// postsDDL takes the table name. The unique constraint over the source's
// native identity and creation time is what makes repeat inserts no-ops.
const postsDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id            TEXT        NOT NULL,
	source        TEXT        NOT NULL,
	target_id     TEXT        NOT NULL,
	native_id     TEXT        NOT NULL,
	parent_thread TEXT,
	author        TEXT        NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	body_text     TEXT        NOT NULL DEFAULT '',
	raw           JSONB       NOT NULL,
	has_media     BOOLEAN     NOT NULL DEFAULT FALSE,
	like_count    BIGINT,
	repost_count  BIGINT,
	reply_count   BIGINT,
	quote_count   BIGINT,
	stance        TEXT,
	ingested_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (id, created_at),
	UNIQUE (source, native_id, created_at)
);
CREATE INDEX IF NOT EXISTS %[1]s_target_created_idx ON %[1]s (target_id, created_at DESC);
`

// cursorsDDL takes the table name.
const cursorsDDL = `
CREATE TABLE IF NOT EXISTS %s (
	target_id           TEXT        PRIMARY KEY,
	last_position       TEXT        NOT NULL DEFAULT '',
	last_seen_at        TIMESTAMPTZ,
	backfill_pages_done INTEGER     NOT NULL DEFAULT 0,
	backfill_started_at TIMESTAMPTZ,
	backfill_done       BOOLEAN     NOT NULL DEFAULT FALSE,
	oldest_seen_at      TIMESTAMPTZ,
	updated_at          TIMESTAMPTZ NOT NULL
);
`
