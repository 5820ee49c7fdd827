// Package mock provides an in-memory test double for [clipstore.Store].
//
// Store keeps saved runs in memory and answers SearchClips by brute-force
// cosine distance, so tests can exercise the full save/search path without a
// database. Every call is recorded, and the exported *Err fields inject
// failures.
//
//	store := &mock.Store{}
//	// inject store into the system under test …
//	if got := store.CallCount("SaveRun"); got != 1 {
//	    t.Errorf("expected 1 SaveRun call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/cliptile/pkg/clipstore"
)

// Call records the name and non-context arguments of one method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is an in-memory [clipstore.Store]. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	calls []Call
	runs  []*clipstore.Run

	SaveRunErr     error
	GetRunErr      error
	SearchClipsErr error
	PingErr        error

	closed bool
}

var _ clipstore.Store = (*Store)(nil)

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// SaveRun stores a deep copy of run.
func (s *Store) SaveRun(_ context.Context, run *clipstore.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SaveRun", run)
	if s.SaveRunErr != nil {
		return s.SaveRunErr
	}
	s.runs = append(s.runs, cloneRun(run))
	return nil
}

// GetRun returns a copy of a previously saved run.
func (s *Store) GetRun(_ context.Context, id uuid.UUID) (*clipstore.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("GetRun", id)
	if s.GetRunErr != nil {
		return nil, s.GetRunErr
	}
	for _, r := range s.runs {
		if r.ID == id {
			return cloneRun(r), nil
		}
	}
	return nil, fmt.Errorf("%w: run %s", clipstore.ErrNotFound, id)
}

// SearchClips ranks every stored clip matching filter by cosine distance.
func (s *Store) SearchClips(_ context.Context, embedding []float32, topK int, filter clipstore.ClipFilter) ([]clipstore.ClipResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SearchClips", embedding, topK, filter)
	if s.SearchClipsErr != nil {
		return nil, s.SearchClipsErr
	}

	results := []clipstore.ClipResult{}
	for _, r := range s.runs {
		if !runMatches(r, filter) {
			continue
		}
		for _, c := range r.Clips {
			if c.Embedding == nil || len(c.Embedding) != len(embedding) || !durationMatches(c, filter) {
				continue
			}
			results = append(results, clipstore.ClipResult{
				RunID:    r.ID,
				Source:   r.Source,
				Clip:     cloneClip(c),
				Distance: cosineDistance(embedding, c.Embedding),
			})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if topK < 0 {
		topK = 0
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Ping returns PingErr.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Ping")
	return s.PingErr
}

// Close marks the store closed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Close")
	s.closed = true
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Runs returns copies of all saved runs in save order.
func (s *Store) Runs() []*clipstore.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*clipstore.Run, len(s.runs))
	for i, r := range s.runs {
		out[i] = cloneRun(r)
	}
	return out
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func runMatches(r *clipstore.Run, f clipstore.ClipFilter) bool {
	if f.ModelID != "" && r.ModelID != f.ModelID {
		return false
	}
	if f.RunID != uuid.Nil && r.ID != f.RunID {
		return false
	}
	if f.Source != "" && r.Source != f.Source {
		return false
	}
	return true
}

func durationMatches(c clipstore.Clip, f clipstore.ClipFilter) bool {
	d := c.Segment.Duration()
	if f.MinDuration > 0 && d < f.MinDuration {
		return false
	}
	if f.MaxDuration > 0 && d > f.MaxDuration {
		return false
	}
	return true
}

// cosineDistance matches pgvector's <=> operator: 1 - cosine similarity.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func cloneRun(r *clipstore.Run) *clipstore.Run {
	cp := *r
	cp.Clips = make([]clipstore.Clip, len(r.Clips))
	for i, c := range r.Clips {
		cp.Clips[i] = cloneClip(c)
	}
	return &cp
}

func cloneClip(c clipstore.Clip) clipstore.Clip {
	c.Embedding = slices.Clone(c.Embedding)
	return c
}
