package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRuns = `
CREATE TABLE IF NOT EXISTS segmentation_runs (
    id          UUID              PRIMARY KEY,
    source      TEXT              NOT NULL DEFAULT '',
    model_id    TEXT              NOT NULL DEFAULT '',
    duration_s  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_segmentation_runs_source
    ON segmentation_runs (source);
`

// ddlClips returns the clips DDL with the embedding dimension substituted.
// The vector width is fixed at table creation.
func ddlClips(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS clips (
    run_id          UUID              NOT NULL REFERENCES segmentation_runs (id) ON DELETE CASCADE,
    idx             INTEGER           NOT NULL,
    begin_sec       DOUBLE PRECISION  NOT NULL,
    finish_sec      DOUBLE PRECISION  NOT NULL,
    text_start_idx  INTEGER           NOT NULL,
    text_end_idx    INTEGER           NOT NULL,
    text            TEXT              NOT NULL DEFAULT '',
    embedding       vector(%d),
    PRIMARY KEY (run_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_clips_duration
    ON clips ((finish_sec - begin_sec));

CREATE INDEX IF NOT EXISTS idx_clips_embedding
    ON clips USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the tables, indexes and the pgvector extension if they do
// not exist. It is idempotent and safe to call on every start.
//
// embeddingDimensions must match the embedding model (e.g. 1536 for
// text-embedding-3-small, 768 for nomic-embed-text). Changing it after the
// first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions %d must be > 0", embeddingDimensions)
	}
	for _, stmt := range []string{ddlRuns, ddlClips(embeddingDimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
