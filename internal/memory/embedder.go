package memory

import "context"

// Embedder produces vector embeddings for text. Implementations range from
// a no-op stub to the OpenAI embeddings API. When the embedder returns a nil
// vector, semantic operations degrade to keyword matching instead of
// failing; embedding availability is never fatal.
type Embedder interface {
	// Embed produces a vector embedding for the given text.
	// Returns nil with no error when embedding is not available.
	Embed(ctx context.Context, text string) ([]float32, error)
}
