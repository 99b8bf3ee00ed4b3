package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finrag/internal/domain"
)

// Retriever produces fused candidates for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, filters domain.Filters) ([]domain.RetrievalCandidate, error)
}

// Reranker turns candidates into an evidence set.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []domain.RetrievalCandidate, topN int) domain.EvidenceSet
}

// RetrieveUseCase runs hybrid retrieval followed by reranking.
type RetrieveUseCase struct {
	retriever Retriever
	reranker  Reranker
	topK      int
	topN      int
	timeout   time.Duration
}

// NewRetrieveUseCase creates a new retrieve use case. topK candidates are
// fused, topN survive reranking. A zero timeout disables the per-call deadline.
func NewRetrieveUseCase(retriever Retriever, reranker Reranker, topK, topN int, timeout time.Duration) *RetrieveUseCase {
	return &RetrieveUseCase{
		retriever: retriever,
		reranker:  reranker,
		topK:      topK,
		topN:      topN,
		timeout:   timeout,
	}
}

// Evidence retrieves and reranks evidence for query. When nothing in the
// store matches filters it returns an empty set together with
// domain.ErrEmptyIndex so the caller can treat it as a non-fatal outcome.
func (u *RetrieveUseCase) Evidence(ctx context.Context, query string, filters domain.Filters) (domain.EvidenceSet, error) {
	empty := domain.EvidenceSet{Query: query, Candidates: []domain.RetrievalCandidate{}}

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	candidates, err := u.retriever.Retrieve(ctx, query, u.topK, filters)
	if errors.Is(err, domain.ErrEmptyIndex) {
		return empty, err
	}
	if err != nil {
		return empty, fmt.Errorf("retrieve %q: %w", query, err)
	}
	return u.reranker.Rerank(ctx, query, candidates, u.topN), nil
}
