package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/cliptile/internal/observe"
	"github.com/MrWong99/cliptile/pkg/clipstore"
	"github.com/MrWong99/cliptile/pkg/segment"
)

// DefaultTopK is the number of search hits returned when the caller does not
// ask for a specific count.
const DefaultTopK = 10

// MaxTopK caps the number of search hits per query.
const MaxTopK = 100

// SearchQuery describes a clip search.
type SearchQuery struct {
	Text string

	// TopK is the number of hits to return. 0 means DefaultTopK.
	TopK int

	// Optional filters.
	RunID       uuid.UUID
	Source      string
	MinDuration float64
	MaxDuration float64
}

// Hit is one search result.
type Hit struct {
	RunID    string               `json:"run_id"`
	Source   string               `json:"source"`
	Index    int                  `json:"index"`
	Segment  segment.MediaSegment `json:"segment"`
	Text     string               `json:"text"`
	Distance float64              `json:"distance"`
}

// Run is a stored segmentation run.
type Run struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	ModelID   string    `json:"model_id"`
	Duration  float64   `json:"duration"`
	CreatedAt time.Time `json:"created_at"`
	Clips     []Clip    `json:"clips"`
}

// Search embeds q.Text and returns the stored clips closest to it. Only clips
// embedded by the same model as the query are considered.
func (a *App) Search(ctx context.Context, q SearchQuery) (_ []Hit, err error) {
	if a.store == nil {
		return nil, ErrNoStore
	}
	if q.Text == "" {
		return nil, errors.New("app: search: empty query")
	}
	switch {
	case q.TopK <= 0:
		q.TopK = DefaultTopK
	case q.TopK > MaxTopK:
		q.TopK = MaxTopK
	}

	ctx, span := observe.StartSpan(ctx, "app.search")
	defer func() { observe.EndSpan(span, err) }()

	vecs, modelID, err := a.embedAll(ctx, []string{q.Text})
	if err != nil {
		return nil, err
	}

	filter := clipstore.ClipFilter{
		ModelID:     modelID,
		RunID:       q.RunID,
		Source:      q.Source,
		MinDuration: q.MinDuration,
		MaxDuration: q.MaxDuration,
	}
	start := time.Now()
	results, err := a.store.SearchClips(ctx, vecs[0], q.TopK, filter)
	a.metrics.StoreDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("op", "search_clips")))
	if err != nil {
		return nil, fmt.Errorf("app: search: %w", err)
	}
	span.SetAttributes(attribute.Int("cliptile.hits", len(results)))

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			RunID:    r.RunID.String(),
			Source:   r.Source,
			Index:    r.Clip.Index,
			Segment:  r.Clip.Segment,
			Text:     r.Clip.Text,
			Distance: r.Distance,
		}
	}
	return hits, nil
}

// GetRun loads a stored run. Unknown IDs return an error wrapping
// [clipstore.ErrNotFound].
func (a *App) GetRun(ctx context.Context, id uuid.UUID) (_ *Run, err error) {
	if a.store == nil {
		return nil, ErrNoStore
	}
	ctx, span := observe.StartSpan(ctx, "app.store.get_run")
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	r, err := a.store.GetRun(ctx, id)
	a.metrics.StoreDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("op", "get_run")))
	if err != nil {
		return nil, fmt.Errorf("app: get run %s: %w", id, err)
	}

	run := &Run{
		ID:        r.ID.String(),
		Source:    r.Source,
		ModelID:   r.ModelID,
		Duration:  r.Duration,
		CreatedAt: r.CreatedAt,
		Clips:     make([]Clip, len(r.Clips)),
	}
	for i, c := range r.Clips {
		run.Clips[i] = Clip{Index: c.Index, Segment: c.Segment, Text: c.Text}
	}
	return run, nil
}
