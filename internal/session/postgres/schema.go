// Package postgres stores session and chunk records in PostgreSQL.
//
// Audio stays on disk: SaveChunkAudio and PersistFullAudio are no-ops here,
// so the store is normally combined with a filestore through
// [session.Multi], with the filestore first so that its chunk paths end up
// in the records.
//
//	pg, err := postgres.New(ctx, dsn)
//	store := session.NewMulti(filestore.New(dir), pg)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id             TEXT              PRIMARY KEY,
    started_at     TIMESTAMPTZ       NOT NULL,
    ended_at       TIMESTAMPTZ,
    sample_rate    INTEGER           NOT NULL DEFAULT 0,
    channels       INTEGER           NOT NULL DEFAULT 0,
    threshold      DOUBLE PRECISION  NOT NULL DEFAULT 0,
    source         TEXT              NOT NULL DEFAULT '',
    transcriber    TEXT              NOT NULL DEFAULT '',
    chunk_count    INTEGER           NOT NULL DEFAULT 0,
    segments       INTEGER           NOT NULL DEFAULT 0,
    rejected       INTEGER           NOT NULL DEFAULT 0,
    failed         INTEGER           NOT NULL DEFAULT 0,
    audio_seconds  DOUBLE PRECISION  NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at);
`

const ddlChunks = `
CREATE TABLE IF NOT EXISTS chunks (
    id                 BIGSERIAL         PRIMARY KEY,
    session_id         TEXT              NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    segment_id         BIGINT            NOT NULL DEFAULT 0,
    chunk_file         TEXT              NOT NULL DEFAULT '',
    recorded_at        TIMESTAMPTZ       NOT NULL DEFAULT now(),
    transcription      TEXT              NOT NULL,
    raw_transcription  TEXT              NOT NULL DEFAULT '',
    language           TEXT              NOT NULL DEFAULT '',
    provider           TEXT              NOT NULL DEFAULT '',
    duration_seconds   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    details            JSONB             NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_chunks_session_recorded
    ON chunks (session_id, recorded_at);

CREATE INDEX IF NOT EXISTS idx_chunks_fts
    ON chunks USING GIN (to_tsvector('english', transcription));
`

// Migrate creates the tables and indexes if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlChunks} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
