package retriever

import "finrag/internal/domain"

// MMR selects diverse candidates by Maximal Marginal Relevance:
// MMR(c) = lambda*relevance(c) - (1-lambda)*max_similarity(c, selected).
// Overlapping chunks retrieved by several sub-queries are near-duplicates;
// anything more similar than DedupJaccard to a selected chunk is skipped.
type MMR struct {
	Lambda       float64
	DedupJaccard float64
}

// DefaultMMR favours relevance and drops near-identical passages.
var DefaultMMR = MMR{Lambda: 0.7, DedupJaccard: 0.85}

// Relevance is the rerank score when present, else the fused score.
func Relevance(c domain.RetrievalCandidate) float64 {
	if c.RerankScore != nil {
		return *c.RerankScore
	}
	return c.FusedScore
}

// Select returns up to k candidates in selection order.
func (m MMR) Select(candidates []domain.RetrievalCandidate, k int) []domain.RetrievalCandidate {
	if len(candidates) == 0 || k <= 0 {
		return nil
	}
	k = min(k, len(candidates))

	maxScore := 0.0
	for _, c := range candidates {
		maxScore = max(maxScore, Relevance(c))
	}
	if maxScore == 0 {
		maxScore = 1
	}

	selected := make([]domain.RetrievalCandidate, 0, k)
	remaining := make([]domain.RetrievalCandidate, len(candidates))
	copy(remaining, candidates)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		bestMMR := -1e9
		for i, c := range remaining {
			maxSim := 0.0
			for _, sel := range selected {
				maxSim = max(maxSim, jaccard(c.Chunk.Terms, sel.Chunk.Terms))
			}
			if maxSim > m.DedupJaccard {
				continue
			}
			score := m.Lambda*Relevance(c)/maxScore - (1-m.Lambda)*maxSim
			if score > bestMMR {
				bestMMR = score
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// jaccard is the Jaccard similarity of two term sets.
func jaccard(a, b map[string]int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
