package collectors

import (
	"math"
	"sort"

	"github.com/R3E-Network/req2run-engine/internal/model"
)

// Percentiles extracts p50/p95/p99 latency from a histogram of latency
// buckets, each Count holding only that bucket's own observations; the
// cumulative counts are computed here. Buckets need not be pre-sorted. No corpus library
// implements log-scaled histogram percentile extraction, so this is plain
// math by necessity.
func Percentiles(buckets []model.HistogramBucket) (p50, p95, p99 float64) {
	if len(buckets) == 0 {
		return 0, 0, 0
	}
	sorted := append([]model.HistogramBucket(nil), buckets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpperBoundMS < sorted[j].UpperBoundMS })

	var total int64
	for _, b := range sorted {
		total += b.Count
	}
	if total == 0 {
		return 0, 0, 0
	}

	return percentileOf(sorted, total, 0.50), percentileOf(sorted, total, 0.95), percentileOf(sorted, total, 0.99)
}

// percentileOf returns the upper bound of the first bucket whose cumulative
// count crosses the requested fraction of the total; an exact tie at a
// bucket boundary resolves to the next (upper) bucket boundary rather than
// the one where the tie occurred.
func percentileOf(sorted []model.HistogramBucket, total int64, fraction float64) float64 {
	target := fraction * float64(total)
	var cumulative int64
	for i, b := range sorted {
		cumulative += b.Count
		if float64(cumulative) < target {
			continue
		}
		if float64(cumulative) == target && i+1 < len(sorted) {
			continue
		}
		return b.UpperBoundMS
	}
	return sorted[len(sorted)-1].UpperBoundMS
}

// LowConfidenceThreshold is the minimum number of latency observations
// required for the performance sub-score to carry full weight; below it,
// the Scorer weights the sub-score at half (spec.md §4.3).
const LowConfidenceThreshold = 1000

// ObservationCount sums a histogram's bucket counts.
func ObservationCount(buckets []model.HistogramBucket) int64 {
	var total int64
	for _, b := range buckets {
		total += b.Count
	}
	return total
}

// LatencyScore is 100 at or under targetMS, decaying linearly to 0 at
// 2*targetMS and beyond (spec.md §4.4).
func LatencyScore(observedP95MS, targetMS float64) float64 {
	if targetMS <= 0 {
		return 0
	}
	if observedP95MS <= targetMS {
		return 100
	}
	if observedP95MS >= 2*targetMS {
		return 0
	}
	return 100 * (1 - (observedP95MS-targetMS)/targetMS)
}

// ThroughputScore is min(1, observed/target) * 100.
func ThroughputScore(observedRPS, targetRPS float64) float64 {
	if targetRPS <= 0 {
		return 100
	}
	ratio := observedRPS / targetRPS
	if ratio > 1 {
		ratio = 1
	}
	return 100 * math.Max(0, ratio)
}

// ResourceScore is 100 at or under 0.8*cap, decaying linearly to 0 at cap
// and beyond.
func ResourceScore(observed, cap float64) float64 {
	if cap <= 0 {
		return 0
	}
	threshold := 0.8 * cap
	if observed <= threshold {
		return 100
	}
	if observed >= cap {
		return 0
	}
	return 100 * (1 - (observed-threshold)/(cap-threshold))
}

// PerformanceScore combines latency, throughput, and resource scores at
// their 0.4/0.4/0.2 weights (spec.md §4.4).
func PerformanceScore(latency, throughput, resource float64) float64 {
	return 0.4*latency + 0.4*throughput + 0.2*resource
}
