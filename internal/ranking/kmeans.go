package ranking

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Initialization strategies for k-means.
const (
	InitKMeansPlusPlus = "k-means++"
	InitRandom         = "random"
)

type kmeansFit struct {
	centroids [][]float64
	labels    []int
	inertia   float64
}

// kmeans runs Lloyd's algorithm nInit times and keeps the lowest-inertia fit.
func kmeans(data [][]float64, k int, cfg Config, rng *rand.Rand) *kmeansFit {
	tol := 1e-4 * meanVariance(data)
	runs := cfg.NInit
	if runs < 1 {
		runs = 1
	}

	var best *kmeansFit
	for run := 0; run < runs; run++ {
		var centroids [][]float64
		if cfg.Init == InitRandom {
			centroids = initRandom(data, k, rng)
		} else {
			centroids = initPlusPlus(data, k, rng)
		}
		fit := lloyd(data, centroids, cfg.MaxIter, tol)
		if best == nil || fit.inertia < best.inertia {
			best = fit
		}
	}
	return best
}

func lloyd(data [][]float64, centroids [][]float64, maxIter int, tol float64) *kmeansFit {
	n, k, d := len(data), len(centroids), len(data[0])
	labels := make([]int, n)
	counts := make([]int, k)
	next := make([][]float64, k)
	for c := range next {
		next[c] = make([]float64, d)
	}

	for iter := 0; iter < maxIter; iter++ {
		assign(data, centroids, labels)

		for c := range next {
			counts[c] = 0
			for j := range next[c] {
				next[c][j] = 0
			}
		}
		for i, row := range data {
			counts[labels[i]]++
			floats.Add(next[labels[i]], row)
		}
		for c := range next {
			if counts[c] == 0 {
				// Empty cluster: reseed on the point farthest from its centroid.
				far := farthestPoint(data, centroids, labels)
				copy(next[c], data[far])
				labels[far] = c
				continue
			}
			floats.Scale(1/float64(counts[c]), next[c])
		}

		var shift float64
		for c := range centroids {
			shift += sqDist(centroids[c], next[c])
			copy(centroids[c], next[c])
		}
		if shift <= tol {
			break
		}
	}

	inertia := assign(data, centroids, labels)
	return &kmeansFit{centroids: centroids, labels: labels, inertia: inertia}
}

// assign labels every point with its nearest centroid and returns the inertia.
func assign(data, centroids [][]float64, labels []int) float64 {
	var inertia float64
	for i, row := range data {
		best, bestDist := 0, math.Inf(1)
		for c, centroid := range centroids {
			if dd := sqDist(row, centroid); dd < bestDist {
				best, bestDist = c, dd
			}
		}
		labels[i] = best
		inertia += bestDist
	}
	return inertia
}

func farthestPoint(data, centroids [][]float64, labels []int) int {
	far, farDist := 0, -1.0
	for i, row := range data {
		if dd := sqDist(row, centroids[labels[i]]); dd > farDist {
			far, farDist = i, dd
		}
	}
	return far
}

func initRandom(data [][]float64, k int, rng *rand.Rand) [][]float64 {
	perm := rng.Perm(len(data))
	centroids := make([][]float64, k)
	for c := range centroids {
		centroids[c] = append([]float64(nil), data[perm[c]]...)
	}
	return centroids
}

// initPlusPlus seeds centroids with probability proportional to the squared
// distance from the nearest centroid chosen so far.
func initPlusPlus(data [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(data)
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, append([]float64(nil), data[rng.Intn(n)]...))

	closest := make([]float64, n)
	for i, row := range data {
		closest[i] = sqDist(row, centroids[0])
	}

	for len(centroids) < k {
		total := floats.Sum(closest)
		pick := 0
		if total == 0 {
			pick = rng.Intn(n)
		} else {
			target := rng.Float64() * total
			var acc float64
			for i, dd := range closest {
				acc += dd
				if acc >= target {
					pick = i
					break
				}
			}
		}
		c := append([]float64(nil), data[pick]...)
		centroids = append(centroids, c)
		for i, row := range data {
			if dd := sqDist(row, c); dd < closest[i] {
				closest[i] = dd
			}
		}
	}
	return centroids
}

// meanVariance is the mean of the per-column variances.
func meanVariance(data [][]float64) float64 {
	d := len(data[0])
	col := make([]float64, len(data))
	var sum float64
	for j := 0; j < d; j++ {
		for i, row := range data {
			col[i] = row[j]
		}
		_, v := stat.PopMeanVariance(col, nil)
		sum += v
	}
	return sum / float64(d)
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		diff := a[i] - b[i]
		s += diff * diff
	}
	return s
}
