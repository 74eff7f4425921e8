package result

import (
	"math"

	"github.com/aclements/go-moremath/stats"
)

// Summarize returns the mean and sample standard deviation of latencies.
// No samples yields (0, 0); a single sample has a deviation of 0.
func Summarize(latencies []float64) (mean, std float64) {
	if len(latencies) == 0 {
		return 0, 0
	}
	mean = stats.Mean(latencies)
	if len(latencies) < 2 {
		return mean, 0
	}
	std = stats.StdDev(latencies)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}

// ClampUsed bounds the partitions a query touched by the partitions on disk.
func ClampUsed(used, total int64) int64 {
	if total < 0 {
		total = 0
	}
	if used < 0 {
		return 0
	}
	if used > total {
		return total
	}
	return used
}
