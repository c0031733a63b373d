package reembed

import "math"

// Magnitude returns the Euclidean length of v.
func Magnitude(v []float32) float64 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	return math.Sqrt(sum)
}

// NormalizeVector returns v scaled to unit length so that dot products
// between stored vectors are cosine similarities.
// Zero and empty vectors come back as zero vectors of the same length.
func NormalizeVector(v []float32) []float32 {
	result := make([]float32, len(v))
	magnitude := Magnitude(v)
	if magnitude == 0 {
		return result
	}
	for i, val := range v {
		result[i] = float32(float64(val) / magnitude)
	}
	return result
}
