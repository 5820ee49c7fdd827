package segment

import (
	"fmt"
	"log/slog"
	"math"
)

// RoundStats describes one agglomeration round of a [Finder] run.
type RoundStats struct {
	Tier       string `json:"tier"`
	WindowSize int    `json:"window_size"`
	Round      int    `json:"round"`

	// Input is the length of the sequence the round started from.
	Input int `json:"input"`

	// Groups is the number of candidates the round produced.
	Groups int `json:"groups"`

	// Accepted and Rejected split Groups by the acceptance filter outcome.
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// RoundObserver receives the stats of every round. It is called
// synchronously from [Finder.FindSegments].
type RoundObserver func(RoundStats)

// Finder is the multi-resolution clip finder. A Finder holds only validated
// configuration and is safe for concurrent use; every call works on its own
// local state.
type Finder struct {
	cfg      Config
	tiers    []Tier
	params   DetectParams
	observer RoundObserver
}

// Option is a functional option for [NewFinder].
type Option func(*Finder)

// WithObserver registers fn to receive per-round stats.
func WithObserver(fn RoundObserver) Option {
	return func(f *Finder) { f.observer = fn }
}

// NewFinder validates cfg and returns a ready Finder. Validation failures wrap
// [ErrInvalidConfig].
func NewFinder(cfg Config, opts ...Option) (*Finder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Finder{
		cfg:    cfg,
		tiers:  cfg.Schedule(),
		params: cfg.Params(),
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Config returns the configuration the Finder was built with.
func (f *Finder) Config() Config { return f.cfg }

// FindSegments returns the clips found in the transcript described by units
// and their embeddings. totalDuration is the transcript length in seconds.
//
// The result is in acceptance order: the whole-transcript seed first (present
// when totalDuration <= MaxClipDuration), then tier by tier, window size by
// window size, round by round. It is not sorted by time.
//
// The seed ends at the last unit's EndChar, so trailing whitespace after the
// final sentence is not part of it.
func (f *Finder) FindSegments(units []SentenceUnit, embeddings [][]float32, totalDuration float64) ([]MediaSegment, error) {
	cands, err := f.FindCandidates(units, embeddings, totalDuration)
	if err != nil {
		return nil, err
	}
	segs := make([]MediaSegment, len(cands))
	for i, c := range cands {
		segs[i] = c.Segment()
	}
	return segs, nil
}

// FindCandidates is [Finder.FindSegments] without the final conversion, so
// callers can inspect candidate magnitudes.
func (f *Finder) FindCandidates(units []SentenceUnit, embeddings [][]float32, totalDuration float64) ([]Candidate, error) {
	if len(units) != len(embeddings) {
		return nil, fmt.Errorf("%w: %d sentence units but %d embeddings", ErrShapeMismatch, len(units), len(embeddings))
	}
	if len(embeddings) > 0 {
		if err := checkDimensions(embeddings); err != nil {
			return nil, err
		}
	}
	if totalDuration < 0 || math.IsNaN(totalDuration) {
		return nil, fmt.Errorf("%w: total duration %g", ErrInvalidInput, totalDuration)
	}

	acc := &accumulator{maxDuration: f.cfg.MaxClipDuration}

	if totalDuration <= f.cfg.MaxClipDuration {
		endChar := 0
		if len(units) > 0 {
			endChar = units[len(units)-1].EndChar
		}
		acc.accepted = append(acc.accepted, Candidate{
			StartChar: 0,
			EndChar:   endChar,
			StartTime: 0,
			EndTime:   totalDuration,
			Magnitude: 1,
		})
	}

	atoms := make([]Candidate, len(units))
	for i, u := range units {
		atoms[i] = Candidate{
			StartChar: u.StartChar,
			EndChar:   u.EndChar,
			StartTime: u.StartTime,
			EndTime:   u.EndTime,
			Magnitude: norm(embeddings[i]),
		}
	}

	for _, tier := range f.tiers {
		for _, k := range tier.WindowSizes {
			if err := f.agglomerate(acc, tier, k, atoms, embeddings); err != nil {
				return nil, fmt.Errorf("segment: tier %s window %d: %w", tier.Name, k, err)
			}
		}
	}

	slog.Debug("segment: clips found", "units", len(units), "clips", len(acc.accepted), "duration", totalDuration)
	return acc.accepted, nil
}

// agglomerate runs detection rounds at window size k, starting from the atomic
// sequence, until the working sequence has at most MaxConvergedLength
// elements. Every round's candidates are offered to acc.
func (f *Finder) agglomerate(acc *accumulator, tier Tier, k int, cands []Candidate, vecs [][]float32) error {
	for round := 1; len(vecs) > MaxConvergedLength; round++ {
		if len(cands) != len(vecs) {
			return fmt.Errorf("%w: round %d has %d candidates but %d embeddings", ErrShapeMismatch, round, len(cands), len(vecs))
		}

		det, err := Detect(vecs, k, f.params)
		if err != nil {
			return err
		}
		next := mergeGroups(cands, det)

		stats := RoundStats{
			Tier:       tier.Name,
			WindowSize: k,
			Round:      round,
			Input:      len(vecs),
			Groups:     len(next),
		}
		for _, c := range next {
			if acc.offer(c, tier.MinDuration) {
				stats.Accepted++
			} else {
				stats.Rejected++
			}
		}
		slog.Debug("segment: round done",
			"tier", tier.Name, "k", k, "effective_k", det.K, "round", round,
			"input", stats.Input, "groups", stats.Groups, "accepted", stats.Accepted)
		if f.observer != nil {
			f.observer(stats)
		}

		if len(next) >= len(vecs) {
			break
		}
		cands, vecs = next, det.Pooled
	}
	return nil
}

// mergeGroups combines the runs of cands delimited by det.Boundaries into one
// candidate per group.
func mergeGroups(cands []Candidate, det Detection) []Candidate {
	merged := make([]Candidate, 0, det.Groups())
	start := 0
	for i, b := range det.Boundaries {
		if !b {
			continue
		}
		merged = append(merged, Candidate{
			StartChar: cands[start].StartChar,
			EndChar:   cands[i].EndChar,
			StartTime: cands[start].StartTime,
			EndTime:   cands[i].EndTime,
			Magnitude: norm(det.Pooled[len(merged)]),
		})
		start = i + 1
	}
	return merged
}

// accumulator collects the accepted candidates of one run.
type accumulator struct {
	maxDuration float64
	accepted    []Candidate
}

// offer accepts c when its duration lies within [minDuration, maxDuration]
// and it is not a near-duplicate of an already accepted candidate.
func (a *accumulator) offer(c Candidate, minDuration float64) bool {
	d := c.Duration()
	if d < minDuration || d > a.maxDuration {
		return false
	}
	if a.isDuplicate(c) {
		return false
	}
	a.accepted = append(a.accepted, c)
	return true
}

func (a *accumulator) isDuplicate(c Candidate) bool {
	for _, ref := range a.accepted {
		if math.Abs(c.StartTime-ref.StartTime)+math.Abs(c.EndTime-ref.EndTime) < DuplicateThreshold {
			return true
		}
	}
	return false
}
