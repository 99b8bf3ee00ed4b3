package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"finrag/internal/domain"
)

// filterFlags are shared by query and research.
type filterFlags struct {
	ticker  string
	docType string
	from    string
	to      string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ticker, "ticker", "", "restrict to one ticker")
	cmd.Flags().StringVar(&f.docType, "type", "", "restrict to a document type: filing, transcript, news")
	cmd.Flags().StringVar(&f.from, "from", "", "earliest publication date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.to, "to", "", "latest publication date (YYYY-MM-DD)")
}

func (f *filterFlags) filters() (domain.Filters, error) {
	out := domain.Filters{Ticker: strings.ToUpper(strings.TrimSpace(f.ticker))}
	if f.docType != "" {
		t := domain.DocumentType(strings.ToLower(f.docType))
		if !t.Valid() {
			return out, fmt.Errorf("%w: unknown document type %q", domain.ErrInvalidInput, f.docType)
		}
		out.DocumentType = t
	}
	var err error
	if out.From, err = parseDate(f.from); err != nil {
		return out, err
	}
	if out.To, err = parseDate(f.to); err != nil {
		return out, err
	}
	if !out.To.IsZero() {
		// inclusive end of day
		out.To = out.To.Add(24*time.Hour - time.Nanosecond)
	}
	if !out.From.IsZero() && !out.To.IsZero() && out.To.Before(out.From) {
		return out, fmt.Errorf("%w: --to is before --from", domain.ErrInvalidInput)
	}
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: want YYYY-MM-DD", domain.ErrInvalidInput, s)
	}
	return t, nil
}
