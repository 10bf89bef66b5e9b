package metrics

import (
	"math"
	"sort"
)

// Summary is one aggregate cell: count, mean, and 85th percentile.
type Summary struct {
	Count int
	Mean  float64
	P85   float64
}

// Summarize aggregates a series of day values. The percentile is
// nearest-rank: the value at position ceil(0.85 * n).
func Summarize(values []int) Summary {
	s := Summary{Count: len(values)}
	if len(values) == 0 {
		return s
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)

	sum := 0
	for _, v := range sorted {
		sum += v
	}
	s.Mean = float64(sum) / float64(len(sorted))

	rank := int(math.Ceil(0.85 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	s.P85 = float64(sorted[rank-1])
	return s
}
