// Package segment locates topically coherent sub-ranges ("clips") inside a long
// transcript by analysing the semantic drift between consecutive sentence
// embeddings.
//
// The package has two layers:
//
//   - [Detect] is the single-resolution boundary detector. Given an ordered
//     sequence of embedding vectors it computes gap scores between sliding
//     windows, smooths them, converts them to depth scores, selects boundary
//     positions and pools every resulting group into one vector.
//   - [Finder] is the multi-resolution driver. It runs [Detect] repeatedly on
//     successively coarser sequences across a schedule of window sizes grouped
//     into duration [Tier]s, and accepts the candidates that fit the tier's
//     duration bounds and are not near-duplicates of an already accepted clip.
//
// Everything here is synchronous, deterministic and free of process-wide
// state; independent transcripts may be segmented in parallel.
package segment

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is wrapped by every configuration validation failure.
	// It is always reported before any numeric work starts.
	ErrInvalidConfig = errors.New("segment: invalid config")

	// ErrShapeMismatch is returned when the embedding sequence does not line up
	// with the sentence units (different lengths) or when vectors in one
	// sequence have different dimensionality.
	ErrShapeMismatch = errors.New("segment: shape mismatch")

	// ErrInvalidInput is returned for inputs that violate a precondition other
	// than shape, such as an empty embedding sequence passed to [Detect].
	ErrInvalidInput = errors.New("segment: invalid input")
)

// SentenceUnit is the atomic transcript unit the engine groups into clips.
type SentenceUnit struct {
	// StartChar and EndChar are offsets into the transcript's flat character
	// stream. StartChar < EndChar.
	StartChar int `json:"start_char"`
	EndChar   int `json:"end_char"`

	// StartTime and EndTime are in seconds. StartTime <= EndTime.
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`

	// Text is the sentence text. Never empty.
	Text string `json:"text"`
}

// Candidate is a clip under consideration during a segmentation run.
type Candidate struct {
	StartChar int
	EndChar   int
	StartTime float64
	EndTime   float64

	// Magnitude is the Euclidean norm of the pooled embedding representing the
	// candidate. Diagnostic only; never used for selection.
	Magnitude float64
}

// Duration returns EndTime - StartTime.
func (c Candidate) Duration() float64 { return c.EndTime - c.StartTime }

// Segment converts c into its final [MediaSegment] form.
func (c Candidate) Segment() MediaSegment {
	return MediaSegment{
		BeginSec:     c.StartTime,
		FinishSec:    c.EndTime,
		TextStartIdx: c.StartChar,
		TextEndIdx:   c.EndChar,
	}
}

// MediaSegment is one clip found by [Finder.FindSegments]. BeginSec and
// FinishSec locate the clip in the media; TextStartIdx and TextEndIdx locate
// it in the transcript's character stream.
type MediaSegment struct {
	BeginSec     float64 `json:"begin_sec"`
	FinishSec    float64 `json:"finish_sec"`
	TextStartIdx int     `json:"text_start_idx"`
	TextEndIdx   int     `json:"text_end_idx"`
}

// Duration returns the clip length in seconds.
func (s MediaSegment) Duration() float64 { return s.FinishSec - s.BeginSec }

// String implements fmt.Stringer.
func (s MediaSegment) String() string {
	return fmt.Sprintf("MediaSegment(begin_sec=%g, finish_sec=%g, text_start_idx=%d, text_end_idx=%d)",
		s.BeginSec, s.FinishSec, s.TextStartIdx, s.TextEndIdx)
}
