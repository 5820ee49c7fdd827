package segment

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
)

// topicTranscript builds n sentences of 10s each. Sentence i belongs to topic
// i/perTopic; its embedding is the topic's one-hot vector plus small
// deterministic noise.
func topicTranscript(n, perTopic, dims int) ([]SentenceUnit, [][]float32) {
	units := make([]SentenceUnit, n)
	embeddings := make([][]float32, n)
	for i := range n {
		units[i] = SentenceUnit{
			StartChar: i * 20,
			EndChar:   i*20 + 19,
			StartTime: float64(i) * 10,
			EndTime:   float64(i)*10 + 10,
			Text:      fmt.Sprintf("Sentence %d.", i),
		}
		v := make([]float32, dims)
		v[(i/perTopic)%dims] = 1
		for d := range v {
			v[d] += float32(0.05 * math.Sin(float64(i*7+d)))
		}
		embeddings[i] = v
	}
	return units, embeddings
}

func TestNewFinder_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxClipDuration = 10
	cfg.SmoothingWidth = 1

	_, err := NewFinder(cfg)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestFinder_SeedFirst(t *testing.T) {
	t.Parallel()
	f, err := NewFinder(DefaultConfig())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}

	units, embeddings := topicTranscript(50, 10, 5)
	segs, err := f.FindSegments(units, embeddings, 500)
	if err != nil {
		t.Fatalf("FindSegments: %v", err)
	}
	if len(segs) == 0 {
		t.Fatal("no segments")
	}
	want := MediaSegment{BeginSec: 0, FinishSec: 500, TextStartIdx: 0, TextEndIdx: units[len(units)-1].EndChar}
	if segs[0] != want {
		t.Errorf("segs[0] = %v, want %v", segs[0], want)
	}
}

func TestFinder_NoSeedForLongTranscript(t *testing.T) {
	t.Parallel()
	f, err := NewFinder(DefaultConfig())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}

	units, embeddings := topicTranscript(60, 10, 6)
	segs, err := f.FindSegments(units, embeddings, 1000)
	if err != nil {
		t.Fatalf("FindSegments: %v", err)
	}
	for _, s := range segs {
		if s.BeginSec == 0 && s.FinishSec == 1000 {
			t.Fatalf("whole-transcript seed present for transcript longer than max: %v", segs)
		}
	}
}

func TestFinder_RecoversTopics(t *testing.T) {
	t.Parallel()
	f, err := NewFinder(DefaultConfig())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}

	units, embeddings := topicTranscript(60, 10, 6)
	segs, err := f.FindSegments(units, embeddings, 600)
	if err != nil {
		t.Fatalf("FindSegments: %v", err)
	}

	if segs[0].BeginSec != 0 || segs[0].FinishSec != 600 {
		t.Errorf("segs[0] = %v, want the whole transcript", segs[0])
	}
	for topic := range 6 {
		want := MediaSegment{
			BeginSec:     float64(topic) * 100,
			FinishSec:    float64(topic)*100 + 100,
			TextStartIdx: topic * 200,
			TextEndIdx:   topic*200 + 199,
		}
		if !slices.Contains(segs, want) {
			t.Errorf("topic %d clip %v not found in %v", topic, want, segs)
		}
	}
}

func TestFinder_OutputInvariants(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MinClipDuration = 20
	cfg.MaxClipDuration = 400
	f, err := NewFinder(cfg)
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}

	units, embeddings := topicTranscript(120, 7, 9)
	segs, err := f.FindSegments(units, embeddings, 1200)
	if err != nil {
		t.Fatalf("FindSegments: %v", err)
	}

	for i, a := range segs {
		if d := a.Duration(); d < cfg.MinClipDuration || d > cfg.MaxClipDuration {
			t.Errorf("segs[%d] = %v has duration %g outside [%g, %g]", i, a, d, cfg.MinClipDuration, cfg.MaxClipDuration)
		}
		if a.TextStartIdx >= a.TextEndIdx {
			t.Errorf("segs[%d] = %v has empty text range", i, a)
		}
		for j := i + 1; j < len(segs); j++ {
			b := segs[j]
			if math.Abs(a.BeginSec-b.BeginSec)+math.Abs(a.FinishSec-b.FinishSec) < DuplicateThreshold {
				t.Errorf("segs[%d] = %v and segs[%d] = %v are near-duplicates", i, a, j, b)
			}
		}
	}
}

func TestFinder_TierMinimumsApply(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Tiers = []Tier{{Name: "only", WindowSizes: []int{3}, MinDuration: 250}}
	f, err := NewFinder(cfg)
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}

	units, embeddings := topicTranscript(60, 10, 6)
	segs, err := f.FindSegments(units, embeddings, 1000)
	if err != nil {
		t.Fatalf("FindSegments: %v", err)
	}
	for _, s := range segs {
		if s.Duration() < 250 {
			t.Errorf("segment %v shorter than tier minimum", s)
		}
	}
}

func TestFinder_Observer(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		stats []RoundStats
	)
	f, err := NewFinder(DefaultConfig(), WithObserver(func(s RoundStats) {
		mu.Lock()
		defer mu.Unlock()
		stats = append(stats, s)
	}))
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}

	units, embeddings := topicTranscript(60, 10, 6)
	segs, err := f.FindSegments(units, embeddings, 600)
	if err != nil {
		t.Fatalf("FindSegments: %v", err)
	}

	if len(stats) == 0 {
		t.Fatal("observer never called")
	}
	first := stats[0]
	if first.Tier != "short" || first.WindowSize != 5 || first.Round != 1 || first.Input != 60 {
		t.Errorf("first round = %+v, want short/5/1 over 60 units", first)
	}
	accepted := 0
	for _, s := range stats {
		if s.Accepted+s.Rejected != s.Groups {
			t.Errorf("round %+v: accepted+rejected != groups", s)
		}
		if s.Groups > s.Input {
			t.Errorf("round %+v: more groups than input", s)
		}
		accepted += s.Accepted
	}
	// The seed is accepted outside any round.
	if accepted != len(segs)-1 {
		t.Errorf("observer accepted = %d, want %d", accepted, len(segs)-1)
	}
}

func TestFinder_ShortInputsSkipRounds(t *testing.T) {
	t.Parallel()
	var rounds int
	f, err := NewFinder(DefaultConfig(), WithObserver(func(RoundStats) { rounds++ }))
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}

	units, embeddings := topicTranscript(MaxConvergedLength, 2, 4)
	segs, err := f.FindSegments(units, embeddings, 80)
	if err != nil {
		t.Fatalf("FindSegments: %v", err)
	}
	if rounds != 0 {
		t.Errorf("rounds = %d, want 0", rounds)
	}
	if len(segs) != 1 {
		t.Errorf("segments = %v, want only the seed", segs)
	}
}

func TestFinder_EmptyTranscript(t *testing.T) {
	t.Parallel()
	f, err := NewFinder(DefaultConfig())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}

	segs, err := f.FindSegments(nil, nil, 0)
	if err != nil {
		t.Fatalf("FindSegments: %v", err)
	}
	want := []MediaSegment{{}}
	if !slices.Equal(segs, want) {
		t.Errorf("segments = %v, want %v", segs, want)
	}
}

func TestFinder_InputErrors(t *testing.T) {
	t.Parallel()
	f, err := NewFinder(DefaultConfig())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	units, embeddings := topicTranscript(12, 4, 3)

	tests := []struct {
		name       string
		units      []SentenceUnit
		embeddings [][]float32
		total      float64
		wantErr    error
	}{
		{
			name:       "length mismatch",
			units:      units,
			embeddings: embeddings[:11],
			total:      120,
			wantErr:    ErrShapeMismatch,
		},
		{
			name:       "dimension mismatch",
			units:      units[:2],
			embeddings: [][]float32{{1, 0}, {1, 0, 0}},
			total:      20,
			wantErr:    ErrShapeMismatch,
		},
		{
			name:       "negative duration",
			units:      units,
			embeddings: embeddings,
			total:      -1,
			wantErr:    ErrInvalidInput,
		},
		{
			name:       "NaN duration",
			units:      units,
			embeddings: embeddings,
			total:      math.NaN(),
			wantErr:    ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.FindSegments(tt.units, tt.embeddings, tt.total)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAccumulator_Offer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		accepted []Candidate
		offer    Candidate
		minDur   float64
		want     bool
	}{
		{
			name:   "too short",
			offer:  Candidate{StartTime: 0, EndTime: 10},
			minDur: 15,
			want:   false,
		},
		{
			name:   "minimum is inclusive",
			offer:  Candidate{StartTime: 0, EndTime: 15},
			minDur: 15,
			want:   true,
		},
		{
			name:   "maximum is inclusive",
			offer:  Candidate{StartTime: 100, EndTime: 1000},
			minDur: 15,
			want:   true,
		},
		{
			name:   "too long",
			offer:  Candidate{StartTime: 100, EndTime: 1000.5},
			minDur: 15,
			want:   false,
		},
		{
			name:     "near duplicate",
			accepted: []Candidate{{StartTime: 100, EndTime: 200}},
			offer:    Candidate{StartTime: 105, EndTime: 195},
			minDur:   15,
			want:     false,
		},
		{
			name:     "far enough apart",
			accepted: []Candidate{{StartTime: 100, EndTime: 200}},
			offer:    Candidate{StartTime: 120, EndTime: 220},
			minDur:   15,
			want:     true,
		},
		{
			name:     "threshold distance is not a duplicate",
			accepted: []Candidate{{StartTime: 100, EndTime: 200}},
			offer:    Candidate{StartTime: 110, EndTime: 205},
			minDur:   15,
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			acc := &accumulator{maxDuration: 900, accepted: slices.Clone(tt.accepted)}
			got := acc.offer(tt.offer, tt.minDur)
			if got != tt.want {
				t.Errorf("offer(%+v) = %v, want %v", tt.offer, got, tt.want)
			}
			wantLen := len(tt.accepted)
			if tt.want {
				wantLen++
			}
			if len(acc.accepted) != wantLen {
				t.Errorf("accepted = %d, want %d", len(acc.accepted), wantLen)
			}
		})
	}
}

func TestAccumulator_SameBatchDuplicates(t *testing.T) {
	t.Parallel()
	acc := &accumulator{maxDuration: 900}
	if !acc.offer(Candidate{StartTime: 0, EndTime: 100}, 15) {
		t.Fatal("first candidate rejected")
	}
	if acc.offer(Candidate{StartTime: 2, EndTime: 104}, 15) {
		t.Error("near-duplicate of a candidate accepted earlier in the same batch was accepted")
	}
}

func TestMergeGroups(t *testing.T) {
	t.Parallel()
	cands := []Candidate{
		{StartChar: 0, EndChar: 5, StartTime: 0, EndTime: 1},
		{StartChar: 6, EndChar: 9, StartTime: 1, EndTime: 2},
		{StartChar: 10, EndChar: 14, StartTime: 2, EndTime: 3},
		{StartChar: 15, EndChar: 20, StartTime: 3, EndTime: 4},
	}
	det := Detection{
		Boundaries: []bool{false, true, false, true},
		Pooled:     [][]float32{{3, 4}, {0, 2}},
	}

	got := mergeGroups(cands, det)
	want := []Candidate{
		{StartChar: 0, EndChar: 9, StartTime: 0, EndTime: 2, Magnitude: 5},
		{StartChar: 10, EndChar: 20, StartTime: 2, EndTime: 4, Magnitude: 2},
	}
	if !slices.Equal(got, want) {
		t.Errorf("mergeGroups = %+v, want %+v", got, want)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "custom tiers", mutate: func(c *Config) {
			c.Tiers = []Tier{{Name: "a", WindowSizes: []int{2, 4}, MinDuration: 0}}
		}},
		{name: "negative min", mutate: func(c *Config) { c.MinClipDuration = -1 }, wantErr: true},
		{name: "max not above min", mutate: func(c *Config) { c.MaxClipDuration = 15 }, wantErr: true},
		{name: "bad group pool", mutate: func(c *Config) { c.GroupPool = "sum" }, wantErr: true},
		{name: "smoothing too narrow", mutate: func(c *Config) { c.SmoothingWidth = 2 }, wantErr: true},
		{name: "empty tiers", mutate: func(c *Config) { c.Tiers = []Tier{} }, wantErr: true},
		{name: "tier without sizes", mutate: func(c *Config) {
			c.Tiers = []Tier{{Name: "a"}}
		}, wantErr: true},
		{name: "tier window too small", mutate: func(c *Config) {
			c.Tiers = []Tier{{Name: "a", WindowSizes: []int{1}}}
		}, wantErr: true},
		{name: "tier negative min", mutate: func(c *Config) {
			c.Tiers = []Tier{{Name: "a", WindowSizes: []int{3}, MinDuration: -5}}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("err = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfig_Schedule(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MinClipDuration = 30

	got := cfg.Schedule()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].MinDuration != 30 || got[1].MinDuration != MediumTierMinDuration || got[2].MinDuration != LongTierMinDuration {
		t.Errorf("tier minimums = %g/%g/%g", got[0].MinDuration, got[1].MinDuration, got[2].MinDuration)
	}
	if !slices.Equal(got[2].WindowSizes, []int{37, 53, 73, 97}) {
		t.Errorf("long window sizes = %v", got[2].WindowSizes)
	}

	cfg.Tiers = []Tier{{Name: "x", WindowSizes: []int{4}}}
	sched := cfg.Schedule()
	sched[0].WindowSizes[0] = 99
	if cfg.Tiers[0].WindowSizes[0] != 4 {
		t.Error("Schedule aliases the configured window sizes")
	}
}

func TestMediaSegment_String(t *testing.T) {
	t.Parallel()
	s := MediaSegment{BeginSec: 1.5, FinishSec: 20, TextStartIdx: 3, TextEndIdx: 40}
	want := "MediaSegment(begin_sec=1.5, finish_sec=20, text_start_idx=3, text_end_idx=40)"
	if s.String() != want {
		t.Errorf("String() = %q, want %q", s.String(), want)
	}
}
