package ranking

import "math"

// Silhouette returns the mean silhouette coefficient of a labelling.
// Points in singleton clusters score 0. Fewer than two clusters score 0.
func Silhouette(data [][]float64, labels []int, k int) float64 {
	n := len(data)
	if n == 0 || k < 2 {
		return 0
	}

	sizes := make([]int, k)
	for _, l := range labels {
		sizes[l]++
	}
	nonEmpty := 0
	for _, s := range sizes {
		if s > 0 {
			nonEmpty++
		}
	}
	if nonEmpty < 2 {
		return 0
	}

	sums := make([]float64, k)
	var total float64
	for i := range data {
		for c := range sums {
			sums[c] = 0
		}
		for j := range data {
			if i == j {
				continue
			}
			sums[labels[j]] += math.Sqrt(sqDist(data[i], data[j]))
		}

		own := labels[i]
		if sizes[own] <= 1 {
			continue
		}
		a := sums[own] / float64(sizes[own]-1)
		b := math.Inf(1)
		for c, s := range sums {
			if c == own || sizes[c] == 0 {
				continue
			}
			if m := s / float64(sizes[c]); m < b {
				b = m
			}
		}
		if denom := math.Max(a, b); denom > 0 {
			total += (b - a) / denom
		}
	}
	return total / float64(n)
}
