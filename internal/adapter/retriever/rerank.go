package retriever

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"finrag/internal/domain"
	"finrag/internal/metrics"
	"finrag/internal/port"
)

// Reranker reorders fused candidates by a cross-encoder-style relevance score.
type Reranker struct {
	scorer port.RelevanceScorer
	logger *zap.Logger
}

// NewReranker creates a reranker. A nil scorer always degrades to fused order.
func NewReranker(scorer port.RelevanceScorer, logger *zap.Logger) *Reranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{scorer: scorer, logger: logger}
}

// Rerank scores candidates against query, orders them descending and keeps
// topN. When the scorer fails the fused order is kept and the set is flagged
// Unreranked.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.RetrievalCandidate, topN int) domain.EvidenceSet {
	set := domain.EvidenceSet{Query: query}
	if len(candidates) == 0 {
		set.Candidates = []domain.RetrievalCandidate{}
		return set
	}

	ranked := make([]domain.RetrievalCandidate, len(candidates))
	copy(ranked, candidates)

	scores, err := r.score(ctx, query, ranked)
	if err != nil {
		metrics.RerankFallbacks.Inc()
		r.logger.Warn("rerank unavailable, keeping fused order", zap.String("query", query), zap.Error(err))
		set.Unreranked = true
		sortFused(ranked)
	} else {
		for i := range ranked {
			s := scores[i]
			ranked[i].RerankScore = &s
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			a, b := *ranked[i].RerankScore, *ranked[j].RerankScore
			if a != b {
				return a > b
			}
			if ranked[i].FusedScore != ranked[j].FusedScore {
				return ranked[i].FusedScore > ranked[j].FusedScore
			}
			return ranked[i].ChunkID < ranked[j].ChunkID
		})
	}

	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	set.Candidates = ranked
	return set
}

func (r *Reranker) score(ctx context.Context, query string, candidates []domain.RetrievalCandidate) ([]float64, error) {
	if r.scorer == nil {
		return nil, domain.ErrServiceUnavailable
	}
	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = c.Chunk.Text
	}
	scores, err := r.scorer.Score(ctx, query, passages)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(passages) {
		return nil, domain.ErrServiceUnavailable
	}
	return scores, nil
}

func sortFused(c []domain.RetrievalCandidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].FusedScore != c[j].FusedScore {
			return c[i].FusedScore > c[j].FusedScore
		}
		if c[i].DenseScore != c[j].DenseScore {
			return c[i].DenseScore > c[j].DenseScore
		}
		return c[i].ChunkID < c[j].ChunkID
	})
}
