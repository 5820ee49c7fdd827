package segment

// smooth applies a flat moving average of the given width to xs and returns a
// new slice of the same length. Widths below 3 return an unchanged copy.
//
// Positions outside xs are filled by reflection about the edge value:
// pad = 2·edge − mirror, where the mirror of virtual index q < 0 is xs[1-q]
// and the mirror of q >= len(xs) is xs[2·len(xs)-1-q]. Mirror indices are
// clamped into range so very wide windows on short inputs stay well defined.
// For even widths the window leans one position to the left.
func smooth(xs []float64, width int) []float64 {
	out := make([]float64, len(xs))
	if width < 3 || len(xs) == 0 {
		copy(out, xs)
		return out
	}

	n := len(xs)
	at := func(q int) float64 {
		switch {
		case q < 0:
			return 2*xs[0] - xs[min(1-q, n-1)]
		case q >= n:
			return 2*xs[n-1] - xs[max(2*n-1-q, 0)]
		default:
			return xs[q]
		}
	}

	off := (width - 1) / 2
	w := float64(width)
	for i := range out {
		var sum float64
		for q := i + off - (width - 1); q <= i+off; q++ {
			sum += at(q)
		}
		out[i] = sum / w
	}
	return out
}
