package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"finrag/internal/adapter/llm"
	"finrag/internal/domain"
	"finrag/internal/port"
	"finrag/internal/usecase"
)

const promptSynthesize = `You are a financial research analyst. Answer the question using ONLY the evidence excerpts.
Respond in JSON: {"claims":[{"text":"one factual sentence","citations":["chunk id"]}]}
Cite the bracketed ids of the excerpts that support each claim. Use an empty citations list for anything that is your own inference.`

const maxExtractChars = 300

// Draft is a synthesized, not yet finalized, list of claims.
type Draft struct {
	Claims []domain.ReportClaim
	// Degraded is set when the extractive fallback replaced generation.
	Degraded bool
	Reason   string
}

// Synthesizer turns accumulated evidence into cited claims.
type Synthesizer struct {
	gen          port.Generator
	packer       *usecase.PackUseCase
	budget       int
	fallbackSize int
}

func NewSynthesizer(gen port.Generator, packer *usecase.PackUseCase, budget, fallbackSize int) *Synthesizer {
	if fallbackSize < 1 {
		fallbackSize = 1
	}
	return &Synthesizer{gen: gen, packer: packer, budget: budget, fallbackSize: fallbackSize}
}

// Synthesize drafts claims for question. Citations that do not name a chunk
// in evidence are dropped and claims left without any are tagged unsupported.
// The error is non-nil only when ctx ended.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, evidence []domain.EvidenceSet) (Draft, error) {
	packed := s.packer.Pack(evidence, s.budget)
	if len(packed.Snippets) == 0 {
		return Draft{}, nil
	}
	if s.gen == nil {
		return Draft{Claims: s.extractive(packed)}, nil
	}

	prompt := fmt.Sprintf("Question: %s\n\nEvidence:\n%s", question, packed.Render())
	out, err := s.gen.Generate(ctx, promptSynthesize, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return Draft{}, ctx.Err()
		}
		return Draft{Claims: s.extractive(packed), Degraded: true, Reason: fmt.Sprintf("synthesis unavailable: %v", err)}, nil
	}

	var parsed struct {
		Claims []struct {
			Text      string   `json:"text"`
			Citations []string `json:"citations"`
		} `json:"claims"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(out)), &parsed); err != nil {
		return Draft{Claims: s.extractive(packed), Degraded: true, Reason: fmt.Sprintf("synthesis unparseable: %v", err)}, nil
	}

	known := make(map[string]bool)
	for _, set := range evidence {
		for _, c := range set.Candidates {
			known[c.ChunkID] = true
		}
	}

	var draft Draft
	for _, c := range parsed.Claims {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		var cited []string
		for _, id := range c.Citations {
			id = strings.Trim(strings.TrimSpace(id), "[]")
			if known[id] {
				cited = append(cited, id)
			}
		}
		draft.Claims = append(draft.Claims, domain.NewClaim(text, cited))
	}
	return draft, nil
}

// extractive quotes the opening sentence of the most relevant snippets, each
// citing its own chunk.
func (s *Synthesizer) extractive(packed usecase.PackedEvidence) []domain.ReportClaim {
	snippets := make([]usecase.Snippet, len(packed.Snippets))
	copy(snippets, packed.Snippets)
	sort.SliceStable(snippets, func(i, j int) bool {
		if snippets[i].Relevance != snippets[j].Relevance {
			return snippets[i].Relevance > snippets[j].Relevance
		}
		return snippets[i].ChunkID < snippets[j].ChunkID
	})

	var claims []domain.ReportClaim
	for _, sn := range snippets {
		if len(claims) == s.fallbackSize {
			break
		}
		text := FirstSentence(sn.Text, maxExtractChars)
		if text == "" {
			continue
		}
		claims = append(claims, domain.NewClaim(text, []string{sn.ChunkID}))
	}
	return claims
}

// FirstSentence returns the leading sentence of text, cut at a word boundary
// when it runs past maxLen bytes.
func FirstSentence(text string, maxLen int) string {
	text = strings.Join(strings.Fields(text), " ")
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+2 >= len(text) || text[i+1] != ' ' {
			continue
		}
		r, _ := utf8.DecodeRuneInString(text[i+2:])
		if unicode.IsUpper(r) || unicode.IsDigit(r) {
			text = text[:i+1]
			break
		}
	}
	if len(text) <= maxLen {
		return text
	}
	cut := strings.LastIndexByte(text[:maxLen], ' ')
	if cut <= 0 {
		cut = runeBoundary(text, maxLen)
	}
	return text[:cut] + "..."
}
