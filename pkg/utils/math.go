package utils

import "math"

// NormalizeL2 scales x in place to unit length, so that squared L2 distance between
// embeddings ranks the same as cosine distance. It returns the norm x had before
// scaling. A zero or non-finite norm leaves x untouched.
func NormalizeL2(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsInf(norm, 0) || math.IsNaN(norm) {
		return norm
	}
	inv := 1 / norm
	for i, v := range x {
		x[i] = float32(float64(v) * inv)
	}
	return norm
}
