package embeddings

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrLengthMismatch is returned when a provider answers a batch with a
	// different number of vectors than it was sent texts.
	ErrLengthMismatch = errors.New("embeddings: result length mismatch")

	// ErrDimensionMismatch is returned when vectors of one run differ in
	// length or are empty.
	ErrDimensionMismatch = errors.New("embeddings: dimension mismatch")
)

// Default batching used when BatchOptions fields are zero.
const (
	DefaultBatchSize   = 64
	DefaultConcurrency = 4
)

// BatchOptions controls how [EmbedAll] splits its work.
type BatchOptions struct {
	// BatchSize is the maximum number of texts per EmbedBatch call.
	BatchSize int

	// Concurrency is the maximum number of EmbedBatch calls in flight.
	Concurrency int
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// EmbedAll embeds texts through p in batches of opts.BatchSize, running up to
// opts.Concurrency batches at once. The result is index-aligned with texts.
//
// Every batch must return one vector per text and every vector must have the
// same non-zero length; otherwise the run fails with [ErrLengthMismatch] or
// [ErrDimensionMismatch]. The first failing batch cancels the others and no
// partial result is returned.
func EmbedAll(ctx context.Context, p Provider, texts []string, opts BatchOptions) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	opts = opts.withDefaults()

	out := make([][]float32, len(texts))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.Concurrency)

	for start := 0; start < len(texts); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(texts))
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			vecs, err := p.EmbedBatch(egCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embeddings: batch %d-%d: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("%w: batch %d-%d returned %d vectors", ErrLengthMismatch, start, end, len(vecs))
			}
			// Each goroutine writes a disjoint range of out.
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	dim := len(out[0])
	for i, v := range out {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("%w: text %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return out, nil
}
