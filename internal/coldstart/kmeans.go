package coldstart

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// kmeans runs Lloyd's algorithm with k-means++ seeding. The seed fixes
// initialization so retrains on the same cohort produce the same
// clusters. Returns centroids, per-point labels, and inertia.
func kmeans(points [][]float64, k, maxIter int, seed int64) ([][]float64, []int, float64) {
	rng := rand.New(rand.NewSource(seed))
	centroids := seedCentroids(points, k, rng)
	labels := make([]int, len(points))

	for iter := 0; iter < maxIter; iter++ {
		moved := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				if d := floats.Distance(p, centroid, 2); d < bestDist {
					best, bestDist = c, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				moved = true
			}
		}
		if !moved && iter > 0 {
			break
		}

		dim := len(points[0])
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			floats.Add(sums[labels[i]], p)
			counts[labels[i]]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				// An emptied cluster restarts on the point farthest
				// from its centroid.
				centroids[c] = append([]float64(nil), farthestPoint(points, centroids)...)
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			centroids[c] = sums[c]
		}
	}

	var inertia float64
	for i, p := range points {
		d := floats.Distance(p, centroids[labels[i]], 2)
		inertia += d * d
	}
	return centroids, labels, inertia
}

// seedCentroids is k-means++: the first centroid is uniform, each next
// one is sampled proportionally to squared distance from the chosen
// set.
func seedCentroids(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(points[rng.Intn(len(points))]))

	dists := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			d := math.Inf(1)
			for _, c := range centroids {
				if dd := floats.Distance(p, c, 2); dd < d {
					d = dd
				}
			}
			dists[i] = d * d
			total += dists[i]
		}
		if total == 0 {
			// All remaining points coincide with a centroid.
			centroids = append(centroids, clone(points[rng.Intn(len(points))]))
			continue
		}
		target := rng.Float64() * total
		var acc float64
		pick := len(points) - 1
		for i, d := range dists {
			acc += d
			if acc >= target {
				pick = i
				break
			}
		}
		centroids = append(centroids, clone(points[pick]))
	}
	return centroids
}

func farthestPoint(points, centroids [][]float64) []float64 {
	best, bestDist := 0, -1.0
	for i, p := range points {
		d := math.Inf(1)
		for _, c := range centroids {
			if dd := floats.Distance(p, c, 2); dd < d {
				d = dd
			}
		}
		if d > bestDist {
			best, bestDist = i, d
		}
	}
	return points[best]
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}
