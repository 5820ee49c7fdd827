package segment

import (
	"errors"
	"fmt"
	"slices"
)

const (
	// DuplicateThreshold is the near-duplicate cutoff in seconds: a candidate
	// whose |Δstart| + |Δend| against any accepted clip is below this value is
	// rejected.
	//
	// TODO: expose through Config once there is data to tune it against.
	DuplicateThreshold = 15.0

	// MaxConvergedLength is the sequence length at or below which the
	// agglomeration rounds for a window size stop.
	MaxConvergedLength = 8

	// Default tier minimum durations, in seconds, for the medium and long tiers.
	MediumTierMinDuration = 180.0
	LongTierMinDuration   = 600.0
)

// PoolMethod selects how a group of vectors is reduced to one vector.
type PoolMethod string

const (
	// PoolMean averages each dimension.
	PoolMean PoolMethod = "mean"

	// PoolMax keeps, per dimension, the value with the largest absolute
	// magnitude and preserves its sign.
	PoolMax PoolMethod = "max"
)

// IsValid reports whether p is a recognised pool method.
func (p PoolMethod) IsValid() bool {
	return p == PoolMean || p == PoolMax
}

// CutoffPolicy selects the depth-score threshold used for boundary selection.
type CutoffPolicy string

const (
	// CutoffAverage uses the mean depth score.
	CutoffAverage CutoffPolicy = "average"

	// CutoffLow uses mean minus one standard deviation.
	CutoffLow CutoffPolicy = "low"

	// CutoffHigh uses mean plus one standard deviation.
	CutoffHigh CutoffPolicy = "high"
)

// IsValid reports whether c is a recognised cutoff policy.
func (c CutoffPolicy) IsValid() bool {
	switch c {
	case CutoffAverage, CutoffLow, CutoffHigh:
		return true
	}
	return false
}

// Tier pairs a set of window sizes with the minimum clip duration accepted
// from runs at those sizes.
type Tier struct {
	// Name labels the tier in logs and metrics (e.g. "short").
	Name string

	// WindowSizes are run in order. Each must be >= 2.
	WindowSizes []int

	// MinDuration is the minimum accepted clip duration in seconds.
	MinDuration float64
}

// DefaultTiers returns the standard short/medium/long schedule. The short
// tier uses minClip as its minimum duration.
func DefaultTiers(minClip float64) []Tier {
	return []Tier{
		{Name: "short", WindowSizes: []int{5, 7}, MinDuration: minClip},
		{Name: "medium", WindowSizes: []int{11, 17}, MinDuration: MediumTierMinDuration},
		{Name: "long", WindowSizes: []int{37, 53, 73, 97}, MinDuration: LongTierMinDuration},
	}
}

// DetectParams holds the per-call tunables of [Detect].
type DetectParams struct {
	// WindowPool pools each comparison window before the gap score is taken.
	WindowPool PoolMethod

	// GroupPool pools each detected group into its output vector.
	GroupPool PoolMethod

	// SmoothingWidth is the moving-average width applied to gap scores.
	SmoothingWidth int

	// Cutoff selects the depth-score threshold.
	Cutoff CutoffPolicy
}

// Validate checks the params and k. All problems are joined into one error;
// each wraps [ErrInvalidConfig].
func (p DetectParams) Validate(k int) error {
	var errs []error
	if k < 2 {
		errs = append(errs, fmt.Errorf("%w: window size %d must be >= 2", ErrInvalidConfig, k))
	}
	errs = append(errs, p.validate()...)
	return errors.Join(errs...)
}

func (p DetectParams) validate() []error {
	var errs []error
	if !p.WindowPool.IsValid() {
		errs = append(errs, fmt.Errorf("%w: window_pool_method %q; valid values: mean, max", ErrInvalidConfig, p.WindowPool))
	}
	if !p.GroupPool.IsValid() {
		errs = append(errs, fmt.Errorf("%w: group_pool_method %q; valid values: mean, max", ErrInvalidConfig, p.GroupPool))
	}
	if p.SmoothingWidth < 3 {
		errs = append(errs, fmt.Errorf("%w: smoothing_width %d must be >= 3", ErrInvalidConfig, p.SmoothingWidth))
	}
	if !p.Cutoff.IsValid() {
		errs = append(errs, fmt.Errorf("%w: cutoff_policy %q; valid values: average, low, high", ErrInvalidConfig, p.Cutoff))
	}
	return errs
}

// Config is the full configuration of a [Finder].
type Config struct {
	// MinClipDuration and MaxClipDuration bound accepted clip lengths in
	// seconds. MaxClipDuration applies to every tier; MinClipDuration is the
	// minimum of the default short tier.
	MinClipDuration float64
	MaxClipDuration float64

	WindowPool     PoolMethod
	GroupPool      PoolMethod
	SmoothingWidth int
	Cutoff         CutoffPolicy

	// Tiers is the window-size schedule. Nil means DefaultTiers(MinClipDuration).
	Tiers []Tier
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MinClipDuration: 15,
		MaxClipDuration: 900,
		WindowPool:      PoolMean,
		GroupPool:       PoolMax,
		SmoothingWidth:  3,
		Cutoff:          CutoffHigh,
	}
}

// Params returns the detector params embedded in c.
func (c Config) Params() DetectParams {
	return DetectParams{
		WindowPool:     c.WindowPool,
		GroupPool:      c.GroupPool,
		SmoothingWidth: c.SmoothingWidth,
		Cutoff:         c.Cutoff,
	}
}

// Schedule returns the tier schedule, substituting the default when unset.
// The returned slice is a copy.
func (c Config) Schedule() []Tier {
	if c.Tiers == nil {
		return DefaultTiers(c.MinClipDuration)
	}
	out := make([]Tier, len(c.Tiers))
	for i, t := range c.Tiers {
		t.WindowSizes = slices.Clone(t.WindowSizes)
		out[i] = t
	}
	return out
}

// Validate checks every field and returns all problems joined into one
// error. Each wraps [ErrInvalidConfig].
func (c Config) Validate() error {
	errs := c.Params().validate()

	if c.MinClipDuration < 0 {
		errs = append(errs, fmt.Errorf("%w: min_clip_duration %g must be >= 0", ErrInvalidConfig, c.MinClipDuration))
	}
	if c.MaxClipDuration <= c.MinClipDuration {
		errs = append(errs, fmt.Errorf("%w: max_clip_duration %g must be greater than min_clip_duration %g",
			ErrInvalidConfig, c.MaxClipDuration, c.MinClipDuration))
	}

	if c.Tiers != nil && len(c.Tiers) == 0 {
		errs = append(errs, fmt.Errorf("%w: tiers must not be empty", ErrInvalidConfig))
	}
	for i, t := range c.Tiers {
		if len(t.WindowSizes) == 0 {
			errs = append(errs, fmt.Errorf("%w: tiers[%d] (%s) has no window sizes", ErrInvalidConfig, i, t.Name))
		}
		for _, k := range t.WindowSizes {
			if k < 2 {
				errs = append(errs, fmt.Errorf("%w: tiers[%d] (%s) window size %d must be >= 2", ErrInvalidConfig, i, t.Name, k))
			}
		}
		if t.MinDuration < 0 {
			errs = append(errs, fmt.Errorf("%w: tiers[%d] (%s) min_duration %g must be >= 0", ErrInvalidConfig, i, t.Name, t.MinDuration))
		}
	}

	return errors.Join(errs...)
}
