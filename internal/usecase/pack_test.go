package usecase

import (
	"strings"
	"testing"
	"time"

	"finrag/internal/adapter/retriever"
	"finrag/internal/domain"
)

func evidence(id, doc string, start int, fused float64, text string) domain.RetrievalCandidate {
	terms := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		terms[w]++
	}
	return domain.RetrievalCandidate{
		ChunkID:    id,
		FusedScore: fused,
		Chunk: domain.Chunk{
			ID: id, DocumentID: doc, Start: start, Text: text, Terms: terms,
			Ticker: "ACME", Type: domain.DocFiling, Section: "Item 2.",
			PublishedAt: time.Date(2024, 10, 30, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestPackBudget(t *testing.T) {
	packUC := NewPackUseCase(retriever.DefaultMMR)
	sets := []domain.EvidenceSet{{Candidates: []domain.RetrievalCandidate{
		evidence("d#0000", "d", 0, 0.9, "cloud revenue grew strongly in the third quarter"),
		evidence("d#0001", "d", 60, 0.8, "operating expenses rose on higher headcount and marketing spend"),
		evidence("d#0002", "d", 140, 0.7, "share repurchases totaled two billion dollars"),
	}}}

	packed := packUC.Pack(sets, 20)
	if packed.UsedTokens > 20 {
		t.Errorf("packed evidence exceeds budget: %d > 20", packed.UsedTokens)
	}
	if len(packed.Snippets) == 0 {
		t.Fatal("expected at least one snippet")
	}
	if packed.Snippets[0].ChunkID != "d#0000" {
		t.Errorf("expected the most relevant chunk first, got %s", packed.Snippets[0].ChunkID)
	}

	packed = packUC.Pack(sets, 1000)
	if len(packed.Snippets) != 3 {
		t.Fatalf("expected 3 snippets with a large budget, got %d", len(packed.Snippets))
	}
}

func TestPackEmpty(t *testing.T) {
	packed := NewPackUseCase(retriever.DefaultMMR).Pack(nil, 1000)
	if packed.UsedTokens != 0 || len(packed.Snippets) != 0 {
		t.Errorf("expected empty pack, got %+v", packed)
	}
	if packed.Render() != "" {
		t.Error("expected empty render")
	}
}

func TestPackDedupAcrossSets(t *testing.T) {
	a := evidence("d#0000", "d", 0, 0.5, "cloud revenue grew")
	b := a
	b.FusedScore = 0.9

	packed := NewPackUseCase(retriever.DefaultMMR).Pack([]domain.EvidenceSet{
		{Candidates: []domain.RetrievalCandidate{a}},
		{Candidates: []domain.RetrievalCandidate{b}},
	}, 1000)

	if len(packed.Snippets) != 1 {
		t.Fatalf("expected 1 snippet, got %d", len(packed.Snippets))
	}
	if packed.Snippets[0].Relevance != 0.9 {
		t.Errorf("expected the best relevance to be kept, got %f", packed.Snippets[0].Relevance)
	}
}

func TestPackReadingOrder(t *testing.T) {
	packed := NewPackUseCase(retriever.DefaultMMR).Pack([]domain.EvidenceSet{{Candidates: []domain.RetrievalCandidate{
		evidence("d#0002", "d", 200, 0.9, "backlog reached a record"),
		evidence("d#0000", "d", 0, 0.5, "revenue rose on cloud"),
	}}}, 1000)

	ids := packed.ChunkIDs()
	if len(ids) != 2 || ids[0] != "d#0000" || ids[1] != "d#0002" {
		t.Errorf("expected reading order, got %v", ids)
	}
	out := packed.Render()
	if !strings.Contains(out, "[d#0000] ACME filing 2024-10-30 (Item 2.)") {
		t.Errorf("render missing citation header:\n%s", out)
	}
}
