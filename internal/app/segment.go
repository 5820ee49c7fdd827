package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/cliptile/internal/observe"
	"github.com/MrWong99/cliptile/internal/resilience"
	"github.com/MrWong99/cliptile/pkg/clipstore"
	"github.com/MrWong99/cliptile/pkg/provider/embeddings"
	"github.com/MrWong99/cliptile/pkg/segment"
	"github.com/MrWong99/cliptile/pkg/transcript"
)

// Clip is one clip of a segmentation result.
type Clip struct {
	Index   int                  `json:"index"`
	Segment segment.MediaSegment `json:"segment"`
	Text    string               `json:"text"`
}

// Result is the outcome of one segmentation run.
type Result struct {
	// RunID is set when the run was persisted.
	RunID string `json:"run_id,omitempty"`

	Source    string  `json:"source"`
	ModelID   string  `json:"model_id"`
	Duration  float64 `json:"duration"`
	Sentences int     `json:"sentences"`
	Clips     []Clip  `json:"clips"`
}

// Event types reported to a [RunOption] event callback.
const (
	EventEmbedded = "embedded"
	EventRound    = "round"
)

// Event is a progress notification emitted during [App.Segment].
type Event struct {
	Type string `json:"type"`

	// Sentences and ModelID are set for EventEmbedded.
	Sentences int    `json:"sentences,omitempty"`
	ModelID   string `json:"model_id,omitempty"`

	// Round is set for EventRound.
	Round *segment.RoundStats `json:"round,omitempty"`
}

type runOptions struct {
	onEvent func(Event)
	noStore bool
}

// RunOption configures a single [App.Segment] call.
type RunOption func(*runOptions)

// WithEvents registers fn to receive progress events. fn is called
// synchronously from the goroutine running Segment.
func WithEvents(fn func(Event)) RunOption {
	return func(o *runOptions) { o.onEvent = fn }
}

// WithoutStore skips persisting the run even when a store is configured.
func WithoutStore() RunOption {
	return func(o *runOptions) { o.noStore = true }
}

// Segment finds the clips of tr. Every sentence is embedded with one provider
// of the fallback group; the clips are persisted when a store is configured.
// source names the transcript in the store and in search results.
func (a *App) Segment(ctx context.Context, source string, tr *transcript.Transcript, opts ...RunOption) (_ *Result, err error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	emit := func(e Event) {
		if o.onEvent != nil {
			o.onEvent(e)
		}
	}

	ctx, span := observe.StartSpan(ctx, "app.segment")
	defer func() { observe.EndSpan(span, err) }()

	a.metrics.ActiveRuns.Add(ctx, 1)
	defer a.metrics.ActiveRuns.Add(ctx, -1)
	defer func() {
		if err != nil {
			a.metrics.RecordRun(ctx, "error", 0)
		}
	}()

	cfg := a.SegmentConfig()
	units := tr.Sentences()
	total := tr.TotalDuration()
	span.SetAttributes(
		attribute.String("cliptile.source", source),
		attribute.Int("cliptile.sentences", len(units)),
		attribute.Float64("cliptile.duration", total),
	)

	texts := make([]string, len(units))
	for i, u := range units {
		texts[i] = u.Text
	}
	vecs, modelID, err := a.embedAll(ctx, texts)
	if err != nil {
		return nil, err
	}
	emit(Event{Type: EventEmbedded, Sentences: len(units), ModelID: modelID})

	finder, err := segment.NewFinder(cfg, segment.WithObserver(func(rs segment.RoundStats) {
		a.metrics.RecordRound(ctx, rs.Tier, rs.Accepted, rs.Rejected)
		emit(Event{Type: EventRound, Round: &rs})
	}))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	start := time.Now()
	segs, err := finder.FindSegments(units, vecs, total)
	a.metrics.SegmentDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("app: segment %s: %w", source, err)
	}

	res := &Result{
		Source:    source,
		ModelID:   modelID,
		Duration:  total,
		Sentences: len(units),
		Clips:     make([]Clip, len(segs)),
	}
	stored := make([]clipstore.Clip, len(segs))
	for i, seg := range segs {
		text := tr.Slice(seg)
		res.Clips[i] = Clip{Index: i, Segment: seg, Text: text}
		stored[i] = clipstore.Clip{
			Index:     i,
			Segment:   seg,
			Text:      text,
			Embedding: clipEmbedding(units, vecs, seg),
		}
	}

	if a.store != nil && !o.noStore {
		run := clipstore.NewRun(source, modelID, total, stored)
		if err := a.saveRun(ctx, run); err != nil {
			return nil, err
		}
		res.RunID = run.ID.String()
	}

	a.metrics.RecordRun(ctx, "ok", len(res.Clips))
	observe.Logger(ctx).Info("segmentation run complete",
		"source", source, "sentences", len(units), "clips", len(res.Clips),
		"model", modelID, "run_id", res.RunID)
	return res, nil
}

type embedOutcome struct {
	vecs    [][]float32
	modelID string
}

// embedAll embeds texts with the first healthy provider. All vectors of one
// call come from the same provider.
func (a *App) embedAll(ctx context.Context, texts []string) (_ [][]float32, _ string, err error) {
	ctx, span := observe.StartSpan(ctx, "app.embed")
	defer func() { observe.EndSpan(span, err) }()
	span.SetAttributes(attribute.Int("cliptile.texts", len(texts)))

	out, err := resilience.ExecuteWithResult(ctx, a.embedders, func(p embeddings.Provider) (embedOutcome, error) {
		model := p.ModelID()
		start := time.Now()
		vecs, err := embeddings.EmbedAll(ctx, p, texts, a.batch)
		a.metrics.EmbedDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", model)))
		if err != nil {
			a.metrics.RecordProviderRequest(ctx, model, "embeddings", "error")
			a.metrics.RecordProviderError(ctx, model, "embeddings")
			return embedOutcome{}, err
		}
		a.metrics.RecordProviderRequest(ctx, model, "embeddings", "ok")
		return embedOutcome{vecs: vecs, modelID: model}, nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("app: embed: %w", err)
	}
	span.SetAttributes(attribute.String("cliptile.model", out.modelID))
	return out.vecs, out.modelID, nil
}

func (a *App) saveRun(ctx context.Context, run *clipstore.Run) (err error) {
	ctx, span := observe.StartSpan(ctx, "app.store.save_run")
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	err = a.store.SaveRun(ctx, run)
	a.metrics.StoreDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("op", "save_run")))
	if err != nil {
		return fmt.Errorf("app: save run: %w", err)
	}
	return nil
}

// clipEmbedding is the mean of the vectors of every sentence unit that lies
// entirely inside seg's character range. Returns nil when no unit does.
func clipEmbedding(units []segment.SentenceUnit, vecs [][]float32, seg segment.MediaSegment) []float32 {
	var (
		sum []float64
		n   int
	)
	for i, u := range units {
		if u.StartChar < seg.TextStartIdx || u.EndChar > seg.TextEndIdx {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(vecs[i]))
		}
		for d, v := range vecs[i] {
			sum[d] += float64(v)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for d, s := range sum {
		out[d] = float32(s / float64(n))
	}
	return out
}
