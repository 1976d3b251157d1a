// Package stats wraps descriptive statistics used by the query surfaces.
// Every function returns 0 for empty input instead of an error.
package stats

import (
	"math"
	"sort"

	mstats "github.com/montanaflynn/stats"
)

// Mean returns the arithmetic mean of values.
func Mean(values []float64) float64 {
	m, err := mstats.Mean(values)
	if err != nil {
		return 0
	}
	return m
}

// StdDev returns the population standard deviation of values.
func StdDev(values []float64) float64 {
	sd, err := mstats.StandardDeviationPopulation(values)
	if err != nil || math.IsNaN(sd) {
		return 0
	}
	return sd
}

// Sum returns the sum of values.
func Sum(values []float64) float64 {
	s, err := mstats.Sum(values)
	if err != nil {
		return 0
	}
	return s
}

// Min returns the smallest value.
func Min(values []float64) float64 {
	m, err := mstats.Min(values)
	if err != nil {
		return 0
	}
	return m
}

// Max returns the largest value.
func Max(values []float64) float64 {
	m, err := mstats.Max(values)
	if err != nil {
		return 0
	}
	return m
}

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation between closest ranks. values need not be sorted.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return PercentileSorted(sorted, p)
}

// PercentileSorted is Percentile for input already sorted ascending.
func PercentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	idx := p / 100 * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
