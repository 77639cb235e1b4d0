package frame

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// Default display window percentiles.
const (
	DefaultLowPercentile  = 5
	DefaultHighPercentile = 95
)

// Window returns the pixel values at the low and high percentiles (0-100),
// ignoring NaNs. hi is always greater than lo so the range can be used as a
// divisor.
func Window(pixels []float64, low, high float64) (lo, hi float64) {
	sorted := make([]float64, 0, len(pixels))
	for _, v := range pixels {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return 0, 1
	}
	slices.Sort(sorted)

	lo = stat.Quantile(clampPercent(low)/100, stat.LinInterp, sorted, nil)
	hi = stat.Quantile(clampPercent(high)/100, stat.LinInterp, sorted, nil)
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// Normalize maps v into [0, 1] relative to the window.
func Normalize(v, lo, hi float64) float64 {
	n := (v - lo) / (hi - lo)
	switch {
	case math.IsNaN(n), n < 0:
		return 0
	case n > 1:
		return 1
	}
	return n
}

func clampPercent(p float64) float64 {
	return math.Max(0, math.Min(100, p))
}
