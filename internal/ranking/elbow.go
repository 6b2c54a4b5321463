package ranking

import "math"

// SelectElbow returns the cluster count at the elbow of an inertia curve.
// inertias[i] is the inertia for k = i+2. The elbow is the point farthest
// from the chord joining the first and last samples. Fewer than two samples
// yield 2.
func SelectElbow(inertias []float64) int {
	if len(inertias) < 2 {
		return 2
	}

	last := len(inertias) - 1
	x0, y0 := 2.0, inertias[0]
	x1, y1 := float64(last+2), inertias[last]
	dx, dy := x1-x0, y1-y0
	norm := math.Hypot(dx, dy)

	best, bestDist := 0, -1.0
	for i, y := range inertias {
		x := float64(i + 2)
		dist := math.Abs(dy*x-dx*y+x1*y0-y1*x0) / norm
		if dist > bestDist {
			best, bestDist = i, dist
		}
	}
	return best + 2
}
