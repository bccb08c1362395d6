package anomaly

import "math"

// meanStdDev returns the mean and population standard deviation of counts.
func meanStdDev(counts []int) (float64, float64) {
	if len(counts) == 0 {
		return 0, 0
	}

	mean := 0.0
	for _, c := range counts {
		mean += float64(c)
	}
	mean /= float64(len(counts))

	variance := 0.0
	for _, c := range counts {
		variance += math.Pow(float64(c)-mean, 2)
	}
	variance /= float64(len(counts))
	return mean, math.Sqrt(variance)
}

func zScore(current, mean, stdDev float64) float64 {
	if stdDev == 0 {
		return 0
	}
	return (current - mean) / stdDev
}

func percentageIncrease(current, mean float64) float64 {
	if mean == 0 {
		return 0
	}
	return (current - mean) / mean * 100
}

// seasonalSamples picks the bucket for the current hour-of-day on each of the previous
// lookbackDays days. counts[0] is the most recent hour.
func seasonalSamples(counts []int, lookbackDays int) []int {
	samples := make([]int, 0, lookbackDays)
	for day := 1; day <= lookbackDays; day++ {
		idx := day * 24
		if idx >= len(counts) {
			break
		}
		samples = append(samples, counts[idx])
	}
	return samples
}

func hasSignal(counts []int) bool {
	for _, c := range counts {
		if c > 0 {
			return true
		}
	}
	return false
}
