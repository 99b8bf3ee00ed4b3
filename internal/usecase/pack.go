package usecase

import (
	"fmt"
	"sort"
	"strings"

	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/retriever"
	"finrag/internal/domain"
)

// Snippet is one evidence chunk selected for a prompt.
type Snippet struct {
	ChunkID     string
	DocumentID  string
	Ticker      string
	Type        domain.DocumentType
	PublishedAt string
	Section     string
	Text        string
	Tokens      int
	Relevance   float64
	start       int
}

// PackedEvidence is evidence that fits a token budget.
type PackedEvidence struct {
	BudgetTokens int
	UsedTokens   int
	Snippets     []Snippet
}

// PackUseCase selects evidence for synthesis.
type PackUseCase struct {
	mmr retriever.MMR
}

// NewPackUseCase creates a new pack use case.
func NewPackUseCase(mmr retriever.MMR) *PackUseCase {
	return &PackUseCase{mmr: mmr}
}

// Pack merges evidence sets, drops repeated and near-duplicate chunks,
// and greedily fills budget tokens in MMR order. Snippets come back grouped
// by document in reading order.
func (u *PackUseCase) Pack(sets []domain.EvidenceSet, budget int) PackedEvidence {
	packed := PackedEvidence{BudgetTokens: budget, Snippets: []Snippet{}}

	best := make(map[string]domain.RetrievalCandidate)
	for _, set := range sets {
		for _, c := range set.Candidates {
			if prev, ok := best[c.ChunkID]; !ok || retriever.Relevance(c) > retriever.Relevance(prev) {
				best[c.ChunkID] = c
			}
		}
	}
	if len(best) == 0 {
		return packed
	}

	pool := make([]domain.RetrievalCandidate, 0, len(best))
	for _, c := range best {
		pool = append(pool, c)
	}
	sort.Slice(pool, func(i, j int) bool {
		ri, rj := retriever.Relevance(pool[i]), retriever.Relevance(pool[j])
		if ri != rj {
			return ri > rj
		}
		return pool[i].ChunkID < pool[j].ChunkID
	})

	for _, c := range u.mmr.Select(pool, len(pool)) {
		tokens := analyzer.EstimateTokens(c.Chunk.Text)
		if packed.UsedTokens+tokens > budget {
			continue
		}
		packed.UsedTokens += tokens
		packed.Snippets = append(packed.Snippets, Snippet{
			ChunkID:     c.ChunkID,
			DocumentID:  c.Chunk.DocumentID,
			Ticker:      c.Chunk.Ticker,
			Type:        c.Chunk.Type,
			PublishedAt: c.Chunk.PublishedAt.Format("2006-01-02"),
			Section:     c.Chunk.Section,
			Text:        c.Chunk.Text,
			Tokens:      tokens,
			Relevance:   retriever.Relevance(c),
			start:       c.Chunk.Start,
		})
	}

	sort.SliceStable(packed.Snippets, func(i, j int) bool {
		a, b := packed.Snippets[i], packed.Snippets[j]
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.start < b.start
	})
	return packed
}

// Render formats snippets as a citation-keyed context block.
func (p PackedEvidence) Render() string {
	var sb strings.Builder
	for _, s := range p.Snippets {
		fmt.Fprintf(&sb, "[%s] %s %s %s", s.ChunkID, s.Ticker, s.Type, s.PublishedAt)
		if s.Section != "" {
			fmt.Fprintf(&sb, " (%s)", s.Section)
		}
		sb.WriteString("\n")
		sb.WriteString(s.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// ChunkIDs returns the ids of the packed snippets.
func (p PackedEvidence) ChunkIDs() []string {
	ids := make([]string, len(p.Snippets))
	for i, s := range p.Snippets {
		ids[i] = s.ChunkID
	}
	return ids
}
