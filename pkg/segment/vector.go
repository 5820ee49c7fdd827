package segment

import "math"

// cosineEps floors the norm product in cosineSimilarity.
const cosineEps = 1e-8

// pool reduces vecs (non-empty, equal length) to a single vector.
func pool(method PoolMethod, vecs [][]float32) []float32 {
	if method == PoolMax {
		return maxMagnitudePool(vecs)
	}
	return meanPool(vecs)
}

// meanPool averages each dimension. Sums are accumulated in float64.
func meanPool(vecs [][]float32) []float32 {
	dim := len(vecs[0])
	sums := make([]float64, dim)
	for _, v := range vecs {
		for d, x := range v {
			sums[d] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vecs))
	for d, s := range sums {
		out[d] = float32(s / n)
	}
	return out
}

// maxMagnitudePool picks, per dimension, the value with the largest absolute
// magnitude and keeps its sign. Ties resolve to the earliest vector.
func maxMagnitudePool(vecs [][]float32) []float32 {
	out := make([]float32, len(vecs[0]))
	copy(out, vecs[0])
	for _, v := range vecs[1:] {
		for d, x := range v {
			if math.Abs(float64(x)) > math.Abs(float64(out[d])) {
				out[d] = x
			}
		}
	}
	return out
}

// cosineSimilarity returns a·b / max(|a||b|, eps). Zero vectors yield 0.
func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	return dot / math.Max(math.Sqrt(na)*math.Sqrt(nb), cosineEps)
}

// norm returns the Euclidean length of v.
func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// meanStd returns the mean and population standard deviation of xs.
func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
