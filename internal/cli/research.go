package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"finrag/internal/domain"
	"finrag/internal/stream"
)

var (
	researchQuestion string
	researchJSON     bool
	researchQuiet    bool
	researchMetrics  string
	researchFilters  filterFlags
)

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Answer a research question with a cited report",
	Long: `Run the research agent: plan sub-queries, retrieve and rerank evidence,
judge sufficiency, retry with reformulated queries and synthesize claims that
cite the chunks supporting them. Progress events stream to stderr.

Examples:
  finrag research -q "What were MSFT's Q3 revenue drivers?" --ticker MSFT --type filing
  finrag research -q "NVDA data center outlook" --json --metrics-addr :9090`,
	RunE: runResearch,
}

func init() {
	rootCmd.AddCommand(researchCmd)
	researchCmd.Flags().StringVarP(&researchQuestion, "query", "q", "", "research question (required)")
	researchCmd.Flags().BoolVar(&researchJSON, "json", false, "print the report as JSON")
	researchCmd.Flags().BoolVar(&researchQuiet, "quiet", false, "do not stream progress events")
	researchCmd.Flags().StringVar(&researchMetrics, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	researchFilters.register(researchCmd)
	_ = researchCmd.MarkFlagRequired("query")
}

func runResearch(cmd *cobra.Command, args []string) error {
	filters, err := researchFilters.filters()
	if err != nil {
		return err
	}
	log := GetLogger()

	a, err := openApp(GetConfig(), log, GetRootDir(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	if researchMetrics != "" {
		srv := &http.Server{Addr: researchMetrics, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	runs, err := a.runs()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = runs.Shutdown(ctx)
	}()

	id, err := runs.StartRun(researchQuestion, filters)
	if err != nil {
		return err
	}
	reader, err := runs.AttachStream(id)
	if err != nil {
		return err
	}

	// an interrupt cancels the run, which still finishes with a partial report
	go func() {
		done, _ := runs.Done(id)
		select {
		case <-cmd.Context().Done():
			_ = runs.Cancel(id)
		case <-done:
		}
	}()

	out := io.Writer(os.Stderr)
	if researchQuiet {
		out = io.Discard
	}
	for {
		e, err := reader.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatEvent(e))
	}

	report, err := runs.GetResult(id)
	if err != nil {
		return err
	}
	if researchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Print(formatReport(report))
	return nil
}

func formatEvent(e stream.Event) string {
	prefix := fmt.Sprintf("[%03d] %-8s", e.Seq, e.Kind)
	switch e.Kind {
	case stream.KindPhase:
		if e.From == "" {
			return fmt.Sprintf("%s %s", prefix, e.To)
		}
		line := fmt.Sprintf("%s %s -> %s", prefix, e.From, e.To)
		if e.Message != "" {
			line += ": " + e.Message
		}
		return line
	case stream.KindProgress:
		return fmt.Sprintf("%s %s", prefix, e.Message)
	case stream.KindError:
		if e.SubQuery > 0 {
			return fmt.Sprintf("%s sub-query %d: %s", prefix, e.SubQuery, e.Message)
		}
		return fmt.Sprintf("%s %s", prefix, e.Message)
	case stream.KindClaim:
		if e.Claim == nil {
			return prefix
		}
		return fmt.Sprintf("%s %s", prefix, preview(e.Claim.Text, 100))
	case stream.KindCheckpoint:
		cp := e.Checkpoint
		if cp == nil {
			return prefix
		}
		return fmt.Sprintf("%s phase=%s events=%d claims=%d errors=%d", prefix, cp.Phase, cp.Events, cp.Claims, cp.Errors)
	case stream.KindDone:
		if e.Summary == nil {
			return prefix
		}
		return fmt.Sprintf("%s %s confidence=%s claims=%d rounds=%d", prefix, e.Message, e.Summary.Confidence, e.Summary.Claims, e.Summary.Rounds)
	}
	return prefix
}

func formatReport(r *domain.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\nQuestion: %s\n", r.Question)
	fmt.Fprintf(&sb, "Confidence: %s", r.Confidence)
	if r.Unreranked {
		sb.WriteString(" (evidence unreranked)")
	}
	sb.WriteString("\n")
	if r.Aborted {
		fmt.Fprintf(&sb, "Aborted: %s\n", r.AbortReason)
	}
	if len(r.SubQueries) > 0 {
		fmt.Fprintf(&sb, "Sub-queries: %s\n", strings.Join(r.SubQueries, " | "))
	}
	sb.WriteString("\n")

	if len(r.Claims) == 0 {
		sb.WriteString("No supported claims.\n")
		return sb.String()
	}
	for i, c := range r.Claims {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c.Text)
		if c.Unsupported {
			fmt.Fprintf(&sb, "   [%s]\n", domain.UnsupportedTag)
		} else {
			fmt.Fprintf(&sb, "   [%s]\n", strings.Join(c.SupportingChunkIDs, ", "))
		}
	}
	return sb.String()
}
