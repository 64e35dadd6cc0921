package memory

import (
	"context"
	"hash/fnv"
	"math"
)

// MockEmbedder produces deterministic embeddings derived from a text hash.
// Identical inputs always map to identical unit vectors, so cosine
// similarity of a text with itself is 1. Intended for tests and offline
// development where no embeddings API is available.
type MockEmbedder struct {
	dims int
}

// NewMockEmbedder creates a MockEmbedder with the given dimensionality.
// Non-positive dims default to 384.
func NewMockEmbedder(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &MockEmbedder{dims: dims}
}

// Embed generates a deterministic unit vector seeded by the FNV hash of text.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dims)
	for i := range vec {
		// Linear congruential step keeps the sequence deterministic per seed.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// Compile-time interface satisfaction check.
var _ Embedder = (*MockEmbedder)(nil)
