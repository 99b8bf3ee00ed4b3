package port

import "finrag/internal/domain"

// Chunker splits a normalized document into retrieval chunks.
type Chunker interface {
	Chunk(doc domain.SourceDocument) ([]domain.Chunk, error)
}

// Normalizer turns an ingestion record into a SourceDocument.
type Normalizer interface {
	Normalize(raw domain.RawDocument) (domain.SourceDocument, error)
}

// Tokenizer produces index terms from text.
type Tokenizer interface {
	Tokenize(text string) []string
}
