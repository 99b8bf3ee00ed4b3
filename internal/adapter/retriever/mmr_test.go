package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/domain"
)

func termSet(words ...string) map[string]int {
	m := make(map[string]int, len(words))
	for _, w := range words {
		m[w]++
	}
	return m
}

func mmrCandidate(id string, fused float64, words ...string) domain.RetrievalCandidate {
	return domain.RetrievalCandidate{
		ChunkID:    id,
		FusedScore: fused,
		Chunk:      domain.Chunk{ID: id, Terms: termSet(words...)},
	}
}

func TestMMR_PrefersDiverseCandidates(t *testing.T) {
	candidates := []domain.RetrievalCandidate{
		mmrCandidate("c1", 1.0, "revenue", "cloud", "growth", "segment"),
		mmrCandidate("c2", 0.9, "revenue", "cloud", "growth", "quarter"),
		mmrCandidate("c3", 0.8, "debt", "covenant", "credit", "facility"),
	}

	got := MMR{Lambda: 0.5, DedupJaccard: 0.95}.Select(candidates, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ChunkID)
	assert.Equal(t, "c3", got[1].ChunkID)
}

func TestMMR_DropsNearDuplicates(t *testing.T) {
	candidates := []domain.RetrievalCandidate{
		mmrCandidate("a", 1.0, "x", "y", "z"),
		mmrCandidate("b", 0.9, "x", "y", "z"),
	}
	got := DefaultMMR.Select(candidates, 2)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ChunkID)
}

func TestMMR_UsesRerankScoreWhenPresent(t *testing.T) {
	hi := 0.9
	lo := 0.1
	a := mmrCandidate("a", 0.9, "alpha")
	a.RerankScore = &lo
	b := mmrCandidate("b", 0.1, "beta")
	b.RerankScore = &hi

	got := DefaultMMR.Select([]domain.RetrievalCandidate{a, b}, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ChunkID)
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 0.5, jaccard(termSet("a", "b", "c"), termSet("b", "c", "d")), 1e-9)
	assert.Equal(t, 0.0, jaccard(nil, termSet("a")))
}
