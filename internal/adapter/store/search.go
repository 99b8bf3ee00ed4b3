package store

import (
	"sort"

	"finrag/internal/domain"
)

// RankTop orders scores descending, breaking ties by chunk id, and keeps the
// first k. Non-positive scores are dropped.
func RankTop(scores map[string]float64, k int) []domain.ScoredChunk {
	ranked := make([]domain.ScoredChunk, 0, len(scores))
	for id, score := range scores {
		if score <= 0 {
			continue
		}
		ranked = append(ranked, domain.ScoredChunk{ChunkID: id, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ChunkID < ranked[j].ChunkID
	})
	if k >= 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// UniqueTerms drops repeated query terms so each contributes once.
func UniqueTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// AverageLength recomputes the mean chunk length from totals.
func AverageLength(stats domain.Stats) float64 {
	if stats.TotalChunks == 0 {
		return 0
	}
	return float64(stats.TotalTokens) / float64(stats.TotalChunks)
}
