package port

import "context"

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed returns one unit-normalized vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Version identifies the embedding function. Vectors from different
	// versions are not comparable.
	Version() string
}
