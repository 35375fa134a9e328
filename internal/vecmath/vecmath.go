// Package vecmath provides small vector operations used by the geometry
// reducer and the alignment engine. All functions treat mismatched or
// degenerate inputs as zero-similarity rather than erroring, since callers
// compare vectors of unknown provenance.
package vecmath

import "math"

// CosineSimilarity returns the cosine similarity between a and b in [-1, 1].
// Returns 0 for mismatched lengths, empty vectors, or zero-magnitude vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Dot returns the dot product of a and b. Mismatched lengths return 0.
func Dot(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Mean returns the component-wise mean of the given vectors.
// Returns nil for empty input. All vectors must share the first
// vector's length; shorter rows contribute only their prefix.
func Mean(vecs [][]float64) []float64 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	mean := make([]float64, dim)
	for _, v := range vecs {
		n := len(v)
		if n > dim {
			n = dim
		}
		for i := 0; i < n; i++ {
			mean[i] += v[i]
		}
	}
	inv := 1.0 / float64(len(vecs))
	for i := range mean {
		mean[i] *= inv
	}
	return mean
}

// Normalize scales v in place to unit L2 norm. Zero vectors are unchanged.
func Normalize(v []float64) {
	n := Norm(v)
	if n == 0 {
		return
	}
	inv := 1.0 / n
	for i := range v {
		v[i] *= inv
	}
}

// IsFinite reports whether every component of v is a finite number.
func IsFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
