package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"finrag/config"
	"finrag/internal/domain"
	"finrag/internal/stream"
)

func TestFilterFlags(t *testing.T) {
	f := filterFlags{ticker: " msft ", docType: "Filing", from: "2024-01-01", to: "2024-03-31"}
	got, err := f.filters()
	require.NoError(t, err)
	assert.Equal(t, "MSFT", got.Ticker)
	assert.Equal(t, domain.DocFiling, got.DocumentType)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got.From)
	assert.True(t, got.Match("MSFT", domain.DocFiling, time.Date(2024, 3, 31, 18, 0, 0, 0, time.UTC)))
	assert.False(t, got.Match("MSFT", domain.DocFiling, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)))

	empty, err := (&filterFlags{}).filters()
	require.NoError(t, err)
	assert.Equal(t, domain.Filters{}, empty)

	for name, bad := range map[string]filterFlags{
		"type":     {docType: "memo"},
		"date":     {from: "01/02/2024"},
		"reversed": {from: "2024-05-01", to: "2024-04-01"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := bad.filters()
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		event stream.Event
		want  string
	}{
		{stream.Event{Seq: 1, Kind: stream.KindPhase, To: "planning"}, "[001] phase    planning"},
		{stream.Event{Seq: 2, Kind: stream.KindPhase, From: "retrieving", To: "aborted", Message: "cancelled"}, "[002] phase    retrieving -> aborted: cancelled"},
		{stream.Event{Seq: 3, Kind: stream.KindError, SubQuery: 2, Message: "reranker unavailable"}, "[003] error    sub-query 2: reranker unavailable"},
		{stream.Event{Seq: 4, Kind: stream.KindDone, Message: "done", Summary: &stream.Summary{Confidence: domain.ConfidenceLow, Claims: 1, Rounds: 3}}, "[004] done     done confidence=low claims=1 rounds=3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatEvent(tt.event))
	}
}

func TestFormatReport(t *testing.T) {
	r := &domain.Report{
		Question:    "What drove revenue?",
		Confidence:  domain.ConfidenceLow,
		Aborted:     true,
		AbortReason: "cancelled",
		Claims: []domain.ReportClaim{
			domain.NewClaim("Cloud grew.", []string{"x#0001", "x#0002"}),
			domain.NewClaim("Margins may expand.", nil),
		},
	}
	out := formatReport(r)
	assert.Contains(t, out, "Confidence: low")
	assert.Contains(t, out, "Aborted: cancelled")
	assert.Contains(t, out, "1. Cloud grew.\n   [x#0001, x#0002]")
	assert.Contains(t, out, "2. Margins may expand.\n   ["+domain.UnsupportedTag+"]")

	assert.Contains(t, formatReport(&domain.Report{Confidence: domain.ConfidenceLow}), "No supported claims.")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "<1s", formatDuration(300*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h1m", formatDuration(61*time.Minute))
}

func TestOpenApp_MissingIndex(t *testing.T) {
	_, err := openApp(config.DefaultConfig(), zaptest.NewLogger(t), t.TempDir(), false)
	assert.ErrorContains(t, err, "no index found")
}

func TestIndexThenResearch(t *testing.T) {
	dir := t.TempDir()
	docs := []domain.RawDocument{
		{
			ID:          "x-10q",
			Ticker:      "X",
			Type:        domain.DocFiling,
			PublishedAt: time.Date(2024, 7, 30, 0, 0, 0, 0, time.UTC),
			Format:      domain.FormatMarkdown,
			Content: "# Results of Operations\n\n" +
				"Revenue increased 15% driven by cloud services growth and higher subscription renewals. " +
				"Cloud services revenue grew 29% on strong enterprise demand.\n\n" +
				"Operating expenses rose 6% on research and development investment.",
		},
		{
			ID:          "z-news",
			Ticker:      "Z",
			Type:        domain.DocNews,
			PublishedAt: time.Date(2024, 8, 2, 0, 0, 0, 0, time.UTC),
			Content:     "Z announced a new chief financial officer effective next quarter.",
		},
	}
	data, err := json.Marshal(docs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "corpus.json"), data, 0o644))

	cfg := config.DefaultConfig()
	logger := zaptest.NewLogger(t)

	a, err := openApp(cfg, logger, dir, true)
	require.NoError(t, err)
	defer a.Close()

	idx, err := a.indexer()
	require.NoError(t, err)
	res, err := idx.IndexDir(context.Background(), dir, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DocumentsIndexed)
	assert.Empty(t, res.Failures)

	runs, err := a.runs()
	require.NoError(t, err)
	defer runs.Shutdown(context.Background())

	id, err := runs.StartRun("What drove X revenue growth?", domain.Filters{Ticker: "X"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := runs.Wait(ctx, id)
	require.NoError(t, err)

	assert.False(t, report.Aborted)
	assert.Equal(t, domain.ConfidenceNormal, report.Confidence)
	require.NotEmpty(t, report.Claims)
	for _, c := range report.Claims {
		require.NotEmpty(t, c.SupportingChunkIDs)
		for _, cid := range c.SupportingChunkIDs {
			chunk, err := a.store.GetChunk(context.Background(), cid)
			require.NoError(t, err)
			assert.Equal(t, "X", chunk.Ticker)
		}
	}

	events, err := func() ([]stream.Event, error) {
		r, err := runs.AttachStream(id)
		if err != nil {
			return nil, err
		}
		return r.Collect(ctx)
	}()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stream.KindCheckpoint, events[0].Kind)
	assert.True(t, events[0].Checkpoint.Finished)
	assert.Equal(t, len(report.Claims), events[0].Checkpoint.Claims)
}
