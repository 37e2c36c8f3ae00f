package store

import "math"

// summarizeDurations builds DurationStats from durations sorted ascending.
func summarizeDurations(name string, sorted []int64) DurationStats {
	stats := DurationStats{Name: name, Count: int64(len(sorted))}
	if len(sorted) == 0 {
		return stats
	}
	var total float64
	for _, value := range sorted {
		total += float64(value)
	}
	stats.AvgUS = total / float64(len(sorted))
	stats.MinUS = sorted[0]
	stats.MaxUS = sorted[len(sorted)-1]
	stats.P50US = percentileCont(sorted, 0.50)
	stats.P95US = percentileCont(sorted, 0.95)
	stats.P99US = percentileCont(sorted, 0.99)
	return stats
}

// percentileCont matches Postgres percentile_cont: linear interpolation
// between the two closest ranks of a sorted sample.
func percentileCont(sorted []int64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return float64(sorted[lower])
	}
	fraction := rank - float64(lower)
	return float64(sorted[lower]) + fraction*float64(sorted[upper]-sorted[lower])
}
