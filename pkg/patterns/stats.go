package patterns

import (
	"math"
	"sort"
)

// NearestRank returns the p-th percentile (0 < p <= 1) of an ascending-sorted
// slice using the nearest-rank method: index ceil(p*n)-1, clamped to bounds.
// An empty slice yields 0.
func NearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Mean of values, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Median of an ascending-sorted slice. Even lengths average the two middle values.
func Median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Sorted returns an ascending copy of values.
func Sorted(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	return out
}

// Trend compares the mean of the second half of series against the first
// half. A change inside +/- band (a fraction, 0.1 = 10%) is stable. With
// higherIsWorse, a rising series is "degrading". Fewer than two points is
// "unknown".
func Trend(series []float64, band float64, higherIsWorse bool) string {
	if len(series) < 2 {
		return TrendUnknown
	}
	mid := len(series) / 2
	first := Mean(series[:mid])
	second := Mean(series[mid:])

	if first == 0 {
		if second == 0 {
			return TrendStable
		}
		if higherIsWorse {
			return TrendDegrading
		}
		return TrendImproving
	}

	change := (second - first) / first
	switch {
	case change > band:
		if higherIsWorse {
			return TrendDegrading
		}
		return TrendImproving
	case change < -band:
		if higherIsWorse {
			return TrendImproving
		}
		return TrendDegrading
	default:
		return TrendStable
	}
}

// Trend labels
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
	TrendUnknown   = "unknown"
)
