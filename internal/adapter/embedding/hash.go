package embedding

import (
	"context"
	"fmt"
	"hash/fnv"

	"finrag/internal/adapter/analyzer"
	"finrag/internal/domain"
)

// HashEmbedder is a deterministic, offline embedder. Each term and adjacent
// term pair is hashed into a signed bucket and the result is unit-normalized,
// so texts sharing vocabulary land close together.
type HashEmbedder struct {
	dimension int
	tokenizer *analyzer.Tokenizer
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	return &HashEmbedder{dimension: dimension, tokenizer: analyzer.NewTokenizer(true)}
}

func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	v := make([]float32, e.dimension)
	terms := e.tokenizer.Tokenize(text)
	for i, t := range terms {
		e.add(v, t, 1)
		if i > 0 {
			e.add(v, terms[i-1]+" "+t, 0.5)
		}
	}
	return domain.Normalize(v)
}

func (e *HashEmbedder) add(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dimension))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

func (e *HashEmbedder) Dimension() int { return e.dimension }

func (e *HashEmbedder) Version() string { return fmt.Sprintf("hash/fnv@%d", e.dimension) }
