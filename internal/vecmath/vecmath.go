// Package vecmath provides distance and similarity functions over face embeddings.
package vecmath

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrDimensionMismatch is returned when two embeddings of different length are compared.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

func checkDims(a, b types.Embedding) error {
	if len(a) != len(b) {
		return fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	return nil
}

// Distance computes the euclidean distance between a and b.
func Distance(a, b types.Embedding) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Similarity computes the cosine similarity between a and b, in [-1, 1].
// A zero vector is maximally dissimilar to everything (-1).
func Similarity(a, b types.Embedding) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim, nil
}

// CosineDistance returns 1 - Similarity, between 0 (identical) and 2 (opposite).
func CosineDistance(a, b types.Embedding) (float64, error) {
	sim, err := Similarity(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

// Norm returns the L2 norm of v.
func Norm(v types.Embedding) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
