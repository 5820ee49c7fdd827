// Package postgres provides a PostgreSQL + pgvector implementation of
// [clipstore.Store].
//
// Runs live in segmentation_runs, clips in clips with an HNSW cosine index on
// their embedding column. The pgvector extension must be available in the
// target database; [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.SaveRun(ctx, run)
//	hits, _ := store.SearchClips(ctx, queryVec, 5, clipstore.ClipFilter{ModelID: run.ModelID})
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/cliptile/pkg/clipstore"
)

var _ clipstore.Store = (*Store)(nil)

// Store is the PostgreSQL-backed clip store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// NewStore connects to dsn, registers pgvector types on every connection and
// runs [Migrate].
//
// embeddingDimensions must match the embedding model used for the stored
// clips. Clips whose embedding has a different length are rejected by
// SaveRun.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("clip store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("clip store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("clip store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("clip store: migrate: %w", err)
	}
	return &Store{pool: pool, dims: embeddingDimensions}, nil
}

// SaveRun implements [clipstore.Store]. The run row and all clip rows are
// written in one transaction.
func (s *Store) SaveRun(ctx context.Context, run *clipstore.Run) error {
	for _, c := range run.Clips {
		if c.Embedding != nil && len(c.Embedding) != s.dims {
			return fmt.Errorf("clip store: save run: clip %d has %d dimensions, store expects %d", c.Index, len(c.Embedding), s.dims)
		}
	}

	const insertRun = `
		INSERT INTO segmentation_runs (id, source, model_id, duration_s, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	const insertClip = `
		INSERT INTO clips
		    (run_id, idx, begin_sec, finish_sec, text_start_idx, text_end_idx, text, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertRun, run.ID, run.Source, run.ModelID, run.Duration, run.CreatedAt); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range run.Clips {
			var vec *pgvector.Vector
			if c.Embedding != nil {
				v := pgvector.NewVector(c.Embedding)
				vec = &v
			}
			batch.Queue(insertClip, run.ID, c.Index,
				c.Segment.BeginSec, c.Segment.FinishSec,
				c.Segment.TextStartIdx, c.Segment.TextEndIdx,
				c.Text, vec)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert clips: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clip store: save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun implements [clipstore.Store].
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*clipstore.Run, error) {
	run := &clipstore.Run{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT source, model_id, duration_s, created_at
		FROM   segmentation_runs
		WHERE  id = $1`, id).Scan(&run.Source, &run.ModelID, &run.Duration, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", clipstore.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("clip store: get run: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT idx, begin_sec, finish_sec, text_start_idx, text_end_idx, text, embedding
		FROM   clips
		WHERE  run_id = $1
		ORDER  BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("clip store: get clips: %w", err)
	}
	run.Clips, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (clipstore.Clip, error) {
		return scanClip(row)
	})
	if err != nil {
		return nil, fmt.Errorf("clip store: scan clips: %w", err)
	}
	return run, nil
}

// SearchClips implements [clipstore.Store].
func (s *Store) SearchClips(ctx context.Context, embedding []float32, topK int, filter clipstore.ClipFilter) ([]clipstore.ClipResult, error) {
	if topK <= 0 {
		return []clipstore.ClipResult{}, nil
	}

	args := []any{pgvector.NewVector(embedding)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"c.embedding IS NOT NULL"}
	if filter.ModelID != "" {
		conditions = append(conditions, "r.model_id = "+next(filter.ModelID))
	}
	if filter.RunID != uuid.Nil {
		conditions = append(conditions, "r.id = "+next(filter.RunID))
	}
	if filter.Source != "" {
		conditions = append(conditions, "r.source = "+next(filter.Source))
	}
	if filter.MinDuration > 0 {
		conditions = append(conditions, "(c.finish_sec - c.begin_sec) >= "+next(filter.MinDuration))
	}
	if filter.MaxDuration > 0 {
		conditions = append(conditions, "(c.finish_sec - c.begin_sec) <= "+next(filter.MaxDuration))
	}
	limitArg := next(topK)

	q := fmt.Sprintf(`
		SELECT r.id, r.source,
		       c.idx, c.begin_sec, c.finish_sec, c.text_start_idx, c.text_end_idx, c.text, c.embedding,
		       c.embedding <=> $1 AS distance
		FROM   clips c
		JOIN   segmentation_runs r ON r.id = c.run_id
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n\t\t  AND "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("clip store: search: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (clipstore.ClipResult, error) {
		var (
			res clipstore.ClipResult
			vec *pgvector.Vector
		)
		if err := row.Scan(
			&res.RunID, &res.Source,
			&res.Clip.Index,
			&res.Clip.Segment.BeginSec, &res.Clip.Segment.FinishSec,
			&res.Clip.Segment.TextStartIdx, &res.Clip.Segment.TextEndIdx,
			&res.Clip.Text, &vec,
			&res.Distance,
		); err != nil {
			return clipstore.ClipResult{}, err
		}
		if vec != nil {
			res.Clip.Embedding = vec.Slice()
		}
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("clip store: scan results: %w", err)
	}
	if results == nil {
		results = []clipstore.ClipResult{}
	}
	return results, nil
}

// Ping implements [clipstore.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

func scanClip(row pgx.Row) (clipstore.Clip, error) {
	var (
		c   clipstore.Clip
		vec *pgvector.Vector
	)
	if err := row.Scan(
		&c.Index,
		&c.Segment.BeginSec, &c.Segment.FinishSec,
		&c.Segment.TextStartIdx, &c.Segment.TextEndIdx,
		&c.Text, &vec,
	); err != nil {
		return clipstore.Clip{}, err
	}
	if vec != nil {
		c.Embedding = vec.Slice()
	}
	return c, nil
}
