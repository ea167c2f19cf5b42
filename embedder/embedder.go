// Package embedder provides clients for embedding providers.
package embedder

import "context"

// Embedder converts text into vector embeddings.
type Embedder interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size this embedder produces.
	Dimensions() int
}
