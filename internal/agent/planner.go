package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"finrag/internal/port"
)

const promptPlan = `Decompose the financial research question into at most %d focused search queries over SEC filings, earnings call transcripts and news. Output one query per line, no numbering. Keep tickers and fiscal periods.`

// Planner splits a question into sub-queries.
type Planner struct {
	gen port.Generator
	max int
}

// NewPlanner returns a planner producing at most max sub-queries. With a nil
// generator the question itself is the only sub-query.
func NewPlanner(gen port.Generator, max int) *Planner {
	if max < 1 {
		max = 1
	}
	return &Planner{gen: gen, max: max}
}

// Plan returns the sub-queries for question. On a generation failure the
// question is returned alone together with the error, so callers can record
// it and carry on.
func (p *Planner) Plan(ctx context.Context, question string) ([]string, error) {
	question = strings.TrimSpace(question)
	if p.gen == nil || p.max == 1 {
		return []string{question}, nil
	}

	out, err := p.gen.Generate(ctx, fmt.Sprintf(promptPlan, p.max), "Question: "+question)
	if err != nil {
		return []string{question}, fmt.Errorf("plan: %w", err)
	}

	queries := ParseLines(out, p.max)
	if len(queries) == 0 {
		return []string{question}, nil
	}
	return queries, nil
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d{1,2}[.)])\s*`)

// ParseLines reads one query per line, dropping bullets, numbering, quotes
// and case-insensitive duplicates, keeping at most max.
func ParseLines(s string, max int) []string {
	var queries []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "```") {
			continue
		}
		line = listMarker.ReplaceAllString(line, "")
		line = strings.TrimSpace(strings.Trim(line, "\"'`"))
		if line == "" {
			continue
		}
		key := strings.ToLower(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		queries = append(queries, line)
		if len(queries) == max {
			break
		}
	}
	return queries
}
