package port

import (
	"context"

	"finrag/internal/domain"
)

// ChunkStore persists chunks with their dense and sparse representations.
// Implementations must allow concurrent readers during writes and never
// expose a document with a mix of old and new chunks.
type ChunkStore interface {
	// ReplaceDocument atomically deletes every chunk of docID and inserts chunks.
	ReplaceDocument(ctx context.Context, docID string, chunks []domain.Chunk) error

	// UpsertChunks writes chunks by id, overwriting existing ones.
	UpsertChunks(ctx context.Context, chunks []domain.Chunk) error

	// DeleteDocument removes every chunk of docID.
	DeleteDocument(ctx context.Context, docID string) error

	GetChunk(ctx context.Context, id string) (domain.Chunk, error)

	// GetChunks reads ids from one consistent snapshot. Missing ids are
	// skipped; found chunks keep argument order. The returned generation is
	// the one the snapshot reflects.
	GetChunks(ctx context.Context, ids []string) ([]domain.Chunk, uint64, error)
	ChunksByDocument(ctx context.Context, docID string) ([]domain.Chunk, error)

	// DenseSearch returns up to k chunk ids by cosine similarity among chunks matching filters.
	DenseSearch(ctx context.Context, vector []float32, k int, filters domain.Filters) ([]domain.ScoredChunk, error)

	// SparseSearch returns up to k chunk ids by BM25 among chunks matching filters.
	SparseSearch(ctx context.Context, terms []string, k int, filters domain.Filters) ([]domain.ScoredChunk, error)

	// Count returns the number of chunks matching filters.
	Count(ctx context.Context, filters domain.Filters) (int, error)

	Stats(ctx context.Context) (domain.Stats, error)

	// EmbeddingVersion returns the version the stored vectors were built with, "" when unset.
	EmbeddingVersion(ctx context.Context) (string, error)
	SetEmbeddingVersion(ctx context.Context, version string) error

	// DocumentIDs lists every indexed document id in ascending order.
	DocumentIDs(ctx context.Context) ([]string, error)

	// Generation increases on every successful write.
	Generation() uint64

	Close() error
}
