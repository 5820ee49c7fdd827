// Package clipstore persists segmentation runs and makes their clips
// searchable by embedding similarity.
//
// A [Run] is one segmentation of one transcript with one embedding model. Its
// clips carry a representative embedding (the mean of the sentence embeddings
// inside the clip), so later queries embedded with the same model can find
// the clips most related to a question or topic.
//
// Vectors from different models live in different spaces and are never
// compared: search filters on [ClipFilter.ModelID].
//
// Implementations must be safe for concurrent use.
package clipstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cliptile/pkg/segment"
)

// ErrNotFound is returned by GetRun for an unknown run ID.
var ErrNotFound = errors.New("clipstore: not found")

// Run is one stored segmentation run.
type Run struct {
	ID uuid.UUID

	// Source identifies the transcript, typically its file name.
	Source string

	// ModelID is the embedding model that produced the clip embeddings.
	ModelID string

	// Duration is the transcript length in seconds.
	Duration float64

	CreatedAt time.Time
	Clips     []Clip
}

// NewRun returns a Run with a fresh random ID and the current UTC time.
func NewRun(source, modelID string, duration float64, clips []Clip) *Run {
	return &Run{
		ID:        uuid.New(),
		Source:    source,
		ModelID:   modelID,
		Duration:  duration,
		CreatedAt: time.Now().UTC(),
		Clips:     clips,
	}
}

// Clip is one accepted segment of a run.
type Clip struct {
	// Index is the acceptance order of the clip within its run.
	Index int

	Segment segment.MediaSegment
	Text    string

	// Embedding represents the clip in the run's embedding space. May be nil
	// when the clip spans no complete sentence unit.
	Embedding []float32
}

// ClipFilter narrows a search. Zero fields are ignored.
type ClipFilter struct {
	ModelID     string
	RunID       uuid.UUID
	Source      string
	MinDuration float64
	MaxDuration float64
}

// ClipResult is a search hit.
type ClipResult struct {
	RunID  uuid.UUID
	Source string
	Clip   Clip

	// Distance is the cosine distance to the query (0 = identical direction).
	Distance float64
}

// Store is the persistence interface for runs and clips.
type Store interface {
	// SaveRun stores run and all its clips atomically.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun loads a run with its clips ordered by Index. Unknown IDs return
	// an error wrapping ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)

	// SearchClips returns up to topK clips nearest to embedding by cosine
	// distance, most similar first. Clips without an embedding never match.
	SearchClips(ctx context.Context, embedding []float32, topK int, filter ClipFilter) ([]ClipResult, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close()
}
