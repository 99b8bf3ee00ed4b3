package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"finrag/internal/domain"
)

var (
	queryText    string
	queryTopK    int
	queryJSON    bool
	queryFilters filterFlags
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search indexed documents",
	Long: `Search for evidence chunks with hybrid dense/lexical retrieval, reciprocal
rank fusion and reranking.

Examples:
  finrag query -q "revenue drivers" --ticker MSFT --type filing
  finrag query -q "guidance" --from 2024-01-01 -k 10 --json`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "search query (required)")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of fused candidates (default from config)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryFilters.register(queryCmd)
	_ = queryCmd.MarkFlagRequired("query")
}

// evidenceRow is the printable form of a candidate.
type evidenceRow struct {
	Rank        int      `json:"rank"`
	ChunkID     string   `json:"chunk_id"`
	Ticker      string   `json:"ticker"`
	Type        string   `json:"type"`
	PublishedAt string   `json:"published_at"`
	Section     string   `json:"section,omitempty"`
	FusedScore  float64  `json:"fused_score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
	Text        string   `json:"text"`
}

func runQuery(cmd *cobra.Command, args []string) error {
	filters, err := queryFilters.filters()
	if err != nil {
		return err
	}

	a, err := openApp(GetConfig(), GetLogger(), GetRootDir(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	retrieval, err := a.retrieval(queryTopK)
	if err != nil {
		return err
	}

	set, err := retrieval.Evidence(cmd.Context(), queryText, filters)
	if err != nil && !errors.Is(err, domain.ErrEmptyIndex) {
		return fmt.Errorf("query failed: %w", err)
	}

	rows := make([]evidenceRow, len(set.Candidates))
	for i, c := range set.Candidates {
		rows[i] = evidenceRow{
			Rank:        i + 1,
			ChunkID:     c.ChunkID,
			Ticker:      c.Chunk.Ticker,
			Type:        string(c.Chunk.Type),
			PublishedAt: c.Chunk.PublishedAt.Format("2006-01-02"),
			Section:     c.Chunk.Section,
			FusedScore:  c.FusedScore,
			RerankScore: c.RerankScore,
			Text:        c.Chunk.Text,
		}
	}

	if queryJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Query      string         `json:"query"`
			Filters    domain.Filters `json:"filters"`
			Unreranked bool           `json:"unreranked"`
			Results    []evidenceRow  `json:"results"`
		}{queryText, filters, set.Unreranked, rows})
	}

	if len(rows) == 0 {
		fmt.Println("No matching chunks.")
		return nil
	}
	if set.Unreranked {
		fmt.Println("(reranker unavailable: results in fused order)")
	}
	for _, r := range rows {
		fmt.Printf("%d. [%s] %s %s %s", r.Rank, r.ChunkID, r.Ticker, r.Type, r.PublishedAt)
		if r.Section != "" {
			fmt.Printf(" (%s)", r.Section)
		}
		fmt.Printf("  fused=%.4f", r.FusedScore)
		if r.RerankScore != nil {
			fmt.Printf(" rerank=%.3f", *r.RerankScore)
		}
		fmt.Printf("\n   %s\n\n", preview(r.Text, 240))
	}
	return nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
