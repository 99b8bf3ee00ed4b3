package agent

import (
	"context"
	"fmt"
	"strings"

	"finrag/internal/port"
)

// Reformulator rewrites a sub-query that produced no usable evidence.
// attempt starts at 1 for the first retry.
type Reformulator interface {
	Reformulate(ctx context.Context, question, query string, attempt int) (string, error)
}

// NewReformulator returns the named strategy. Strategies that need a model
// fall back to keyword expansion when gen is nil or the call fails.
func NewReformulator(strategy string, gen port.Generator) (Reformulator, error) {
	kw := KeywordReformulator{}
	switch strategy {
	case "", "keyword":
		return kw, nil
	case "llm":
		if gen == nil {
			return kw, nil
		}
		return &LLMReformulator{gen: gen, fallback: kw}, nil
	case "hyde":
		if gen == nil {
			return kw, nil
		}
		return &HyDEReformulator{gen: gen, fallback: kw}, nil
	default:
		return nil, fmt.Errorf("unknown reformulation strategy: %s", strategy)
	}
}

var financialSynonyms = map[string][]string{
	"revenue":     {"net sales", "total revenues", "top line"},
	"revenues":    {"net sales", "total revenues"},
	"sales":       {"revenue", "net sales"},
	"earnings":    {"net income", "profit", "eps"},
	"profit":      {"net income", "operating income"},
	"income":      {"earnings", "profit"},
	"margin":      {"gross margin", "operating margin"},
	"margins":     {"gross margin", "operating margin"},
	"guidance":    {"outlook", "forecast", "expects"},
	"outlook":     {"guidance", "forecast"},
	"growth":      {"increase", "increased", "grew"},
	"drivers":     {"driven by", "due to", "primarily"},
	"driver":      {"driven by", "due to"},
	"decline":     {"decrease", "decreased", "lower"},
	"risk":        {"risk factors", "uncertainty"},
	"risks":       {"risk factors", "uncertainties"},
	"debt":        {"borrowings", "notes payable", "credit facility"},
	"cash":        {"cash flow", "liquidity"},
	"liquidity":   {"cash and equivalents", "capital resources"},
	"expenses":    {"costs", "operating expenses"},
	"costs":       {"expenses", "cost of revenue"},
	"eps":         {"earnings per share", "diluted"},
	"capex":       {"capital expenditures", "purchases of property and equipment"},
	"buyback":     {"share repurchase", "repurchased"},
	"buybacks":    {"share repurchases", "repurchased"},
	"dividend":    {"dividends", "payout"},
	"segment":     {"segments", "business unit"},
	"acquisition": {"acquired", "merger"},
	"headcount":   {"employees", "workforce"},
	"q1":          {"first quarter", "three months ended"},
	"q2":          {"second quarter", "three months ended"},
	"q3":          {"third quarter", "three months ended"},
	"q4":          {"fourth quarter", "fiscal year"},
	"yoy":         {"year over year", "compared to prior year"},
}

var questionWords = map[string]bool{
	"what": true, "were": true, "was": true, "how": true, "why": true, "which": true,
	"did": true, "does": true, "do": true, "is": true, "are": true, "the": true,
	"a": true, "an": true, "of": true, "for": true, "in": true, "on": true,
	"to": true, "and": true, "company": true, "its": true,
	"their": true, "about": true, "tell": true, "me": true, "please": true,
}

// KeywordReformulator strips question phrasing and expands financial terms.
// Each attempt picks a different synonym so successive retries differ.
type KeywordReformulator struct{}

func (KeywordReformulator) Reformulate(_ context.Context, _, query string, attempt int) (string, error) {
	if attempt < 1 {
		attempt = 1
	}
	var kept, added []string
	for _, w := range strings.Fields(query) {
		w = strings.TrimSuffix(strings.Trim(w, "?!.,;:\"()"), "'s")
		lw := strings.ToLower(w)
		if lw == "" || questionWords[lw] {
			continue
		}
		kept = append(kept, w)
		if syn := financialSynonyms[lw]; len(syn) > 0 {
			added = append(added, syn[(attempt-1)%len(syn)])
		}
	}
	if len(kept) == 0 {
		return query, nil
	}
	return strings.Join(append(kept, added...), " "), nil
}

const promptRewrite = `You rewrite search queries for a financial document search engine (SEC filings, earnings calls, news).
The previous query found nothing useful. Output ONE alternative query using the vocabulary filings actually use. No explanation.`

// LLMReformulator asks the model for an alternative phrasing.
type LLMReformulator struct {
	gen      port.Generator
	fallback Reformulator
}

func (r *LLMReformulator) Reformulate(ctx context.Context, question, query string, attempt int) (string, error) {
	prompt := fmt.Sprintf("Research question: %s\nPrevious query: %s\nAttempt: %d", question, query, attempt)
	out, err := r.gen.Generate(ctx, promptRewrite, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return r.fallback.Reformulate(ctx, question, query, attempt)
	}
	lines := ParseLines(out, 1)
	if len(lines) == 0 {
		return r.fallback.Reformulate(ctx, question, query, attempt)
	}
	return lines[0], nil
}

const promptHypothetical = `You are a financial analyst. Given a research question, write a short passage, as it would appear in a 10-K, 10-Q or earnings call, that answers it.
Write 2-4 sentences of plausible disclosure language. Do not add commentary.`

// HyDEReformulator searches with a hypothetical answer passage instead of
// the query, which lands closer to filing language in embedding space.
type HyDEReformulator struct {
	gen      port.Generator
	fallback Reformulator
}

func (r *HyDEReformulator) Reformulate(ctx context.Context, question, query string, attempt int) (string, error) {
	out, err := r.gen.Generate(ctx, promptHypothetical, fmt.Sprintf("Question: %s\n\nWrite a hypothetical passage that answers this:", query))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return r.fallback.Reformulate(ctx, question, query, attempt)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return r.fallback.Reformulate(ctx, question, query, attempt)
	}
	return out, nil
}
