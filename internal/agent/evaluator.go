package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"finrag/internal/adapter/llm"
	"finrag/internal/port"
)

const promptEvaluate = `Given financial evidence excerpts and a research question, respond in JSON:
{"sufficient":bool,"confidence":0.0-1.0,"reason":"brief","queries":["search term"]}
"confidence" is how well the evidence answers the question. Use "queries" for follow-up searches.`

const (
	evalContextChars = 4000
	evalSnippetChars = 400
	evalPerSubQuery  = 3
)

// Evaluator applies the sufficiency policy: every sub-query needs non-empty
// evidence and the confidence must exceed the threshold.
type Evaluator struct {
	gen       port.Generator
	threshold float64
}

func NewEvaluator(gen port.Generator, threshold float64) *Evaluator {
	return &Evaluator{gen: gen, threshold: threshold}
}

// Evaluate judges the accumulated evidence. The returned error is non-nil
// only when ctx ended; model failures degrade to the coverage heuristic.
func (e *Evaluator) Evaluate(ctx context.Context, st *State) (Verdict, error) {
	var uncovered []int
	for _, q := range st.SubQueries {
		if !st.Covered(q.Index) {
			uncovered = append(uncovered, q.Index)
		}
	}
	coverage := 0.0
	if n := len(st.SubQueries); n > 0 {
		coverage = float64(n-len(uncovered)) / float64(n)
	}

	heuristic := Verdict{
		Sufficient: len(uncovered) == 0 && coverage > e.threshold,
		Confidence: coverage,
		Unresolved: uncovered,
		Reason:     fmt.Sprintf("%d of %d sub-queries have evidence", len(st.SubQueries)-len(uncovered), len(st.SubQueries)),
	}
	if e.gen == nil || len(uncovered) > 0 {
		return heuristic, nil
	}

	prompt := fmt.Sprintf("Q: %s\n\nEvidence:\n%s\n\nSufficient?", st.Question, truncateContext(evidenceContext(st), evalContextChars))
	out, err := e.gen.Generate(ctx, promptEvaluate, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		heuristic.Degraded = true
		heuristic.Reason = fmt.Sprintf("evaluation unavailable: %v", err)
		return heuristic, nil
	}

	var decision struct {
		Sufficient bool     `json:"sufficient"`
		Confidence *float64 `json:"confidence"`
		Reason     string   `json:"reason"`
		Queries    []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(out)), &decision); err != nil {
		lower := strings.ToLower(out)
		decision.Sufficient = strings.Contains(lower, "sufficient") &&
			!strings.Contains(lower, "not sufficient") && !strings.Contains(lower, "insufficient")
		decision.Reason = "could not parse evaluation"
	}

	conf := 0.0
	if decision.Sufficient {
		conf = 1
	}
	if decision.Confidence != nil {
		conf = min(max(*decision.Confidence, 0), 1)
	}

	v := Verdict{
		Sufficient:  decision.Sufficient && conf > e.threshold,
		Confidence:  conf,
		Reason:      decision.Reason,
		Suggestions: decision.Queries,
	}
	if !v.Sufficient {
		v.Unresolved = allIndices(st.SubQueries)
	}
	return v, nil
}

func allIndices(queries []SubQuery) []int {
	out := make([]int, len(queries))
	for i, q := range queries {
		out[i] = q.Index
	}
	return out
}

// evidenceContext lists the best few excerpts per sub-query.
func evidenceContext(st *State) string {
	var sb strings.Builder
	for _, q := range st.SubQueries {
		fmt.Fprintf(&sb, "## %s\n", q.Text)
		n := 0
		for _, set := range st.Evidence {
			if set.SubQuery != q.Index {
				continue
			}
			for _, c := range set.Candidates {
				if n == evalPerSubQuery {
					break
				}
				fmt.Fprintf(&sb, "[%s] %s\n", c.ChunkID, truncateString(c.Chunk.Text, evalSnippetChars))
				n++
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncateContext(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:runeBoundary(s, maxLen)] + "\n... (truncated)"
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:runeBoundary(s, maxLen-3)] + "..."
}

// runeBoundary moves a byte offset back to the start of the rune it falls in.
func runeBoundary(s string, n int) int {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
