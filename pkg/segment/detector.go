package segment

import (
	"fmt"
	"log/slog"
)

// Detection is the result of one [Detect] call.
type Detection struct {
	// Boundaries has one flag per input vector. A set flag closes the group
	// that ends at that position. The last flag is always set.
	Boundaries []bool

	// Pooled holds one vector per group, in order. len(Pooled) equals the
	// number of set flags.
	Pooled [][]float32

	// K and SmoothingWidth are the values actually used after the run-time
	// adaptations for short sequences.
	K              int
	SmoothingWidth int
}

// Groups returns the number of groups (set flags).
func (d Detection) Groups() int { return len(d.Pooled) }

// Detect runs single-resolution boundary detection over embeddings with
// window size k.
//
// Params are validated before any numeric work; failures wrap
// [ErrInvalidConfig]. An empty sequence wraps [ErrInvalidInput] and vectors of
// differing dimensionality wrap [ErrShapeMismatch].
//
// When k >= len(embeddings) it is reduced to max(len/5, 2). When the smoothing
// width is >= len(embeddings) it is reduced to 2, which disables smoothing.
func Detect(embeddings [][]float32, k int, p DetectParams) (Detection, error) {
	if err := p.Validate(k); err != nil {
		return Detection{}, err
	}
	n := len(embeddings)
	if n == 0 {
		return Detection{}, fmt.Errorf("%w: detect needs at least one embedding", ErrInvalidInput)
	}
	if err := checkDimensions(embeddings); err != nil {
		return Detection{}, err
	}

	if k >= n {
		newK := max(n/5, 2)
		slog.Debug("segment: too few embeddings for window size, shrinking", "n", n, "k", k, "new_k", newK)
		k = newK
	}
	width := p.SmoothingWidth
	if width >= n {
		width = 2
	}

	gaps := gapScores(embeddings, k, p.WindowPool)
	smoothed := smooth(gaps, width)
	depths := depthScores(smoothed)
	boundaries := selectBoundaries(depths, p.Cutoff)

	return Detection{
		Boundaries:     boundaries,
		Pooled:         poolGroups(embeddings, boundaries, p.GroupPool),
		K:              k,
		SmoothingWidth: width,
	}, nil
}

// checkDimensions verifies all vectors share the first vector's length.
func checkDimensions(vecs [][]float32) error {
	dim := len(vecs[0])
	if dim == 0 {
		return fmt.Errorf("%w: embedding 0 has zero dimensions", ErrShapeMismatch)
	}
	for i, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("%w: embedding %d has %d dimensions, want %d", ErrShapeMismatch, i, len(v), dim)
		}
	}
	return nil
}

// gapScores returns the cosine similarity between the pooled left window
// (up to k vectors ending at i) and the pooled right window (up to k vectors
// starting at i+1) for every i in 0..n-2.
func gapScores(embeddings [][]float32, k int, method PoolMethod) []float64 {
	n := len(embeddings)
	if n < 2 {
		return nil
	}
	gaps := make([]float64, n-1)
	for i := range gaps {
		left := pool(method, embeddings[max(0, i-k+1):i+1])
		right := pool(method, embeddings[i+1:min(i+1+k, n)])
		gaps[i] = cosineSimilarity(left, right)
	}
	return gaps
}

// depthScores measures how far each gap score dips below the highest score
// seen on its left and on its right (both inclusive of the position itself).
func depthScores(gaps []float64) []float64 {
	n := len(gaps)
	if n == 0 {
		return nil
	}
	leftPeak := make([]float64, n)
	leftPeak[0] = gaps[0]
	for i := 1; i < n; i++ {
		leftPeak[i] = max(leftPeak[i-1], gaps[i])
	}
	rightPeak := make([]float64, n)
	rightPeak[n-1] = gaps[n-1]
	for i := n - 2; i >= 0; i-- {
		rightPeak[i] = max(rightPeak[i+1], gaps[i])
	}

	depths := make([]float64, n)
	for i, g := range gaps {
		depths[i] = (leftPeak[i] - g) + (rightPeak[i] - g)
	}
	return depths
}

// selectBoundaries flags local depth maxima above the policy's cutoff. The
// result has len(depths)+1 entries and its last entry is always set.
//
// Neighbours outside the array are the position itself, so under the strict
// comparison the first and last depth positions are never selected.
func selectBoundaries(depths []float64, policy CutoffPolicy) []bool {
	n := len(depths)
	boundaries := make([]bool, n+1)

	mean, std := meanStd(depths)
	var cutoff float64
	switch policy {
	case CutoffHigh:
		cutoff = mean + std
	case CutoffLow:
		cutoff = mean - std
	default:
		cutoff = mean
	}

	for i, d := range depths {
		if d > cutoff && d > depths[max(0, i-1)] && d > depths[min(i+1, n-1)] {
			boundaries[i] = true
		}
	}
	boundaries[n] = true
	return boundaries
}

// poolGroups walks embeddings left to right and pools every run that ends at
// a set boundary flag.
func poolGroups(embeddings [][]float32, boundaries []bool, method PoolMethod) [][]float32 {
	var pooled [][]float32
	start := 0
	for i := range embeddings {
		if boundaries[i] {
			pooled = append(pooled, pool(method, embeddings[start:i+1]))
			start = i + 1
		}
	}
	return pooled
}
