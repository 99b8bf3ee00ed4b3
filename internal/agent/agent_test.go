package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"finrag/config"
	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/embedding"
	"finrag/internal/adapter/memstore"
	"finrag/internal/adapter/retriever"
	"finrag/internal/domain"
	"finrag/internal/port"
	"finrag/internal/stream"
	"finrag/internal/usecase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeGen struct {
	fn    func(system, prompt string) (string, error)
	calls atomic.Int32
}

func (g *fakeGen) Generate(ctx context.Context, system, prompt string) (string, error) {
	g.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.fn(system, prompt)
}

func (g *fakeGen) ModelName() string { return "fake" }

type fakeRetrieval struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, query string) (domain.EvidenceSet, error)
}

func (f *fakeRetrieval) Evidence(ctx context.Context, query string, _ domain.Filters) (domain.EvidenceSet, error) {
	f.mu.Lock()
	f.calls = append(f.calls, query)
	f.mu.Unlock()
	return f.fn(ctx, query)
}

func (f *fakeRetrieval) queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func candidate(id, text string, rerank float64) domain.RetrievalCandidate {
	return domain.RetrievalCandidate{
		ChunkID:     id,
		Chunk:       domain.Chunk{ID: id, DocumentID: strings.Split(id, "#")[0], Text: text},
		FusedScore:  0.03,
		RerankScore: &rerank,
	}
}

func testConfig() config.AgentConfig {
	cfg := config.DefaultConfig().Agent
	cfg.RetrievalTimeout = 2 * time.Second
	return cfg
}

func newAgent(t *testing.T, r Retrieval, gen *fakeGen, mutate ...func(*config.AgentConfig)) *Agent {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	deps := Deps{
		Retrieval: r,
		Packer:    usecase.NewPackUseCase(retriever.DefaultMMR),
		Logger:    zaptest.NewLogger(t),
	}
	if gen != nil {
		deps.Generator = gen
	}
	a, err := New(deps, cfg)
	require.NoError(t, err)
	return a
}

// recorder is a sink whose reader is attached before the run starts, so it
// observes every event rather than a late-attach checkpoint.
type recorder struct {
	log    *stream.Log
	reader *stream.Reader
}

func newRecorder(runID string) *recorder {
	log := stream.NewLog(runID)
	return &recorder{log: log, reader: log.Attach()}
}

func (r *recorder) Publish(e stream.Event) { r.log.Publish(e) }

// collect closes the log the way the runner does and returns every event.
func collect(t *testing.T, rec *recorder) []stream.Event {
	t.Helper()
	rec.log.Publish(stream.Event{Kind: stream.KindDone})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := rec.reader.Collect(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, stream.KindDone, events[len(events)-1].Kind)
	return events
}

func phases(events []stream.Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == stream.KindPhase {
			out = append(out, e.To)
		}
	}
	return out
}

// newHybrid builds the real retrieval stack over an in-memory store.
func newHybrid(t *testing.T, scorer port.RelevanceScorer) (*memstore.MemoryStore, *usecase.RetrieveUseCase, func(docID, ticker string, texts ...string)) {
	t.Helper()
	st := memstore.NewMemoryStore()
	emb := embedding.NewHashEmbedder(256)
	tok := analyzer.NewTokenizer(true)
	require.NoError(t, st.SetEmbeddingVersion(context.Background(), emb.Version()))

	add := func(docID, ticker string, texts ...string) {
		ctx := context.Background()
		vecs, err := emb.Embed(ctx, texts)
		require.NoError(t, err)
		chunks := make([]domain.Chunk, len(texts))
		for i, text := range texts {
			chunks[i] = domain.Chunk{
				ID:          domain.ChunkID(docID, i),
				DocumentID:  docID,
				Seq:         i,
				Text:        text,
				TokenCount:  analyzer.CountWords(text),
				Ticker:      ticker,
				Type:        domain.DocFiling,
				PublishedAt: time.Date(2024, 10, 30, 0, 0, 0, 0, time.UTC),
				Vector:      vecs[i],
				Terms:       tok.TermFrequencies(text),
			}
		}
		require.NoError(t, st.ReplaceDocument(ctx, docID, chunks))
	}

	hybrid := retriever.NewHybridRetriever(st, emb, tok)
	reranker := retriever.NewReranker(scorer, zaptest.NewLogger(t))
	return st, usecase.NewRetrieveUseCase(hybrid, reranker, 20, 8, time.Second), add
}

func TestRun_RevenueDriversCitesFilingChunk(t *testing.T) {
	_, retrieval, add := newHybrid(t, retriever.NewOverlapScorer(analyzer.NewTokenizer(true)))
	add("x-10q", "X", "Revenue increased due to cloud segment growth in the third quarter.")
	add("z-10q", "Z", "Revenue decreased due to weaker hardware demand.")

	a := newAgent(t, retrieval, nil)
	rec := newRecorder("run-x")
	report := a.Run(context.Background(), "run-x", "What were Company X's Q3 revenue drivers?",
		domain.Filters{Ticker: "X", DocumentType: domain.DocFiling}, rec)

	assert.False(t, report.Aborted)
	require.NotEmpty(t, report.Claims)
	assert.Equal(t, []string{"x-10q#0000"}, report.Claims[0].SupportingChunkIDs)
	assert.False(t, report.Claims[0].Unsupported)
	assert.Contains(t, report.Claims[0].Text, "cloud segment growth")
	for _, c := range report.Claims {
		assert.NotContains(t, c.SupportingChunkIDs, "z-10q#0000")
	}
	assert.Equal(t, domain.ConfidenceNormal, report.Confidence)
	assert.Equal(t, 1, report.Rounds)

	events := collect(t, rec)
	assert.Equal(t, []string{"planning", "retrieving", "evaluating", "synthesizing", "done"}, phases(events))
	var progress []string
	for _, e := range events {
		if e.Kind == stream.KindProgress {
			progress = append(progress, e.Message)
		}
	}
	assert.Contains(t, progress, "sub-query 1 of 1 retrieved")
}

func TestRun_EmptyTickerEndsLowConfidence(t *testing.T) {
	_, retrieval, add := newHybrid(t, retriever.NewOverlapScorer(analyzer.NewTokenizer(true)))
	add("x-10q", "X", "Revenue increased due to cloud segment growth.")

	a := newAgent(t, retrieval, nil)
	report := a.Run(context.Background(), "run-y", "What were Company Y's Q3 revenue drivers?",
		domain.Filters{Ticker: "Y"}, stream.Discard)

	assert.False(t, report.Aborted)
	assert.Equal(t, domain.ConfidenceLow, report.Confidence)
	for _, c := range report.Claims {
		assert.True(t, c.Unsupported)
	}
	assert.Empty(t, report.Claims)
	assert.Equal(t, testConfig().MaxRetries+1, report.Rounds)
}

type brokenScorer struct{}

func (brokenScorer) Score(context.Context, string, []string) ([]float64, error) {
	return nil, fmt.Errorf("rerank: %w", domain.ErrServiceUnavailable)
}

func (brokenScorer) ModelName() string { return "broken" }

func TestRun_RerankOutageDegradesButCompletes(t *testing.T) {
	_, retrieval, add := newHybrid(t, brokenScorer{})
	add("x-10q", "X", "Revenue increased due to cloud segment growth in the third quarter.")

	a := newAgent(t, retrieval, nil)
	rec := newRecorder("run-r")
	report := a.Run(context.Background(), "run-r", "X revenue growth", domain.Filters{Ticker: "X"}, rec)

	assert.False(t, report.Aborted)
	assert.True(t, report.Unreranked)
	assert.Equal(t, domain.ConfidenceLow, report.Confidence)
	require.NotEmpty(t, report.Claims)
	assert.Equal(t, []string{"x-10q#0000"}, report.Claims[0].SupportingChunkIDs)

	var errs int
	for _, e := range collect(t, rec) {
		if e.Kind == stream.KindError {
			errs++
		}
	}
	assert.Positive(t, errs)
}

func TestRun_AlwaysEmptyTerminatesWithinRetries(t *testing.T) {
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		return domain.EvidenceSet{Query: q, Candidates: []domain.RetrievalCandidate{}}, nil
	}}
	a := newAgent(t, r, nil, func(c *config.AgentConfig) { c.MaxRetries = 3 })

	report := a.Run(context.Background(), "run-e", "AAPL buyback authorization", domain.Filters{}, stream.Discard)

	assert.False(t, report.Aborted)
	assert.Equal(t, 4, report.Rounds)
	assert.Len(t, r.queries(), 4)
	assert.Equal(t, domain.ConfidenceLow, report.Confidence)
	assert.Empty(t, report.Claims)

	// each retry reformulates the query
	seen := make(map[string]bool)
	for _, q := range r.queries() {
		seen[q] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestRun_AllSubQueriesFailAborts(t *testing.T) {
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		return domain.EvidenceSet{}, fmt.Errorf("embed: %w", domain.ErrServiceUnavailable)
	}}
	a := newAgent(t, r, nil)
	rec := newRecorder("run-f")

	report := a.Run(context.Background(), "run-f", "MSFT capex", domain.Filters{}, rec)

	assert.True(t, report.Aborted)
	assert.Equal(t, domain.ConfidenceLow, report.Confidence)
	assert.Contains(t, report.AbortReason, "failed")
	assert.Empty(t, report.Claims)
	assert.Equal(t, []string{"planning", "retrieving", "aborted"}, phases(collect(t, rec)))
}

func TestRun_EmbeddingVersionMismatchAborts(t *testing.T) {
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		return domain.EvidenceSet{}, &domain.EmbeddingVersionMismatchError{Stored: "hash/fnv@64", Requested: "openai/x@1536"}
	}}
	report := newAgent(t, r, nil).Run(context.Background(), "run-v", "q", domain.Filters{}, stream.Discard)

	assert.True(t, report.Aborted)
	assert.Contains(t, report.AbortReason, "embedding version mismatch")
}

func planningGen(queries []string, claims string) *fakeGen {
	return &fakeGen{fn: func(system, prompt string) (string, error) {
		switch {
		case strings.Contains(system, "Decompose"):
			return strings.Join(queries, "\n"), nil
		case strings.Contains(system, `"sufficient"`):
			return `{"sufficient":true,"confidence":0.9,"reason":"covered"}`, nil
		case strings.Contains(system, `"claims"`):
			return claims, nil
		}
		return "", errors.New("unexpected prompt")
	}}
}

func TestRun_PartialFailureKeepsGoing(t *testing.T) {
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		if strings.Contains(q, "margin") {
			return domain.EvidenceSet{}, fmt.Errorf("embed: %w", domain.ErrServiceUnavailable)
		}
		return domain.EvidenceSet{Query: q, Candidates: []domain.RetrievalCandidate{
			candidate("n-10k#0001", "Net sales rose 8% on services.", 0.8),
		}}, nil
	}}
	gen := planningGen([]string{"NVDA net sales", "NVDA gross margin"},
		`{"claims":[{"text":"Net sales rose 8%.","citations":["n-10k#0001"]}]}`)
	a := newAgent(t, r, gen, func(c *config.AgentConfig) { c.MaxRetries = 1 })

	report := a.Run(context.Background(), "run-p", "NVDA sales and margin", domain.Filters{}, stream.Discard)

	assert.False(t, report.Aborted)
	require.Len(t, report.SubQueries, 2)
	assert.Equal(t, "NVDA net sales", report.SubQueries[0])
	assert.NotEqual(t, "NVDA gross margin", report.SubQueries[1], "failed sub-query is reformulated")
	assert.Equal(t, 2, report.Rounds)
	assert.Equal(t, domain.ConfidenceLow, report.Confidence)
	require.Len(t, report.Claims, 1)
	assert.Equal(t, []string{"n-10k#0001"}, report.Claims[0].SupportingChunkIDs)
}

func TestRun_DropsUnknownCitations(t *testing.T) {
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		return domain.EvidenceSet{Query: q, Candidates: []domain.RetrievalCandidate{
			candidate("a-10q#0000", "Operating margin expanded to 31%.", 0.9),
		}}, nil
	}}
	gen := planningGen([]string{"operating margin"},
		`{"claims":[{"text":"Margin expanded.","citations":["a-10q#0000","made-up#0009"]},{"text":"Shares will rise.","citations":["made-up#0001"]}]}`)

	report := newAgent(t, r, gen).Run(context.Background(), "run-c", "margin trend", domain.Filters{}, stream.Discard)

	require.Len(t, report.Claims, 2)
	assert.Equal(t, []string{"a-10q#0000"}, report.Claims[0].SupportingChunkIDs)
	assert.True(t, report.Claims[1].Unsupported)
	assert.Empty(t, report.Claims[1].SupportingChunkIDs)
	assert.Equal(t, domain.ConfidenceNormal, report.Confidence)
}

type cancelAfterClaim struct {
	log    *stream.Log
	cancel context.CancelFunc
}

func (s *cancelAfterClaim) Publish(e stream.Event) {
	s.log.Publish(e)
	if e.Kind == stream.KindClaim {
		s.cancel()
	}
}

func TestRun_CancellationKeepsFinalizedClaims(t *testing.T) {
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		return domain.EvidenceSet{Query: q, Candidates: []domain.RetrievalCandidate{
			candidate("a-10q#0000", "Revenue grew 12%.", 0.9),
			candidate("a-10q#0001", "Opex fell 3%.", 0.8),
		}}, nil
	}}
	gen := planningGen([]string{"revenue"},
		`{"claims":[{"text":"Revenue grew 12%.","citations":["a-10q#0000"]},{"text":"Opex fell 3%.","citations":["a-10q#0001"]}]}`)
	a := newAgent(t, r, gen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newRecorder("run-k")
	report := a.Run(ctx, "run-k", "revenue and opex", domain.Filters{}, &cancelAfterClaim{log: rec.log, cancel: cancel})

	assert.True(t, report.Aborted)
	assert.Contains(t, report.AbortReason, "cancelled")
	require.Len(t, report.Claims, 1)
	assert.Equal(t, "Revenue grew 12%.", report.Claims[0].Text)

	got := phases(collect(t, rec))
	assert.Equal(t, []string{"planning", "retrieving", "evaluating", "synthesizing", "aborted"}, got)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		return domain.EvidenceSet{}, nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := newAgent(t, r, nil).Run(ctx, "run-0", "q", domain.Filters{}, nil)
	assert.True(t, report.Aborted)
	assert.Empty(t, r.queries())
}

func TestRun_SynthesisFailureFallsBackToExtractive(t *testing.T) {
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		return domain.EvidenceSet{Query: q, Candidates: []domain.RetrievalCandidate{
			candidate("t-call#0002", "Cloud revenue grew 30% year over year. Margins were stable.", 0.7),
		}}, nil
	}}
	gen := &fakeGen{fn: func(system, prompt string) (string, error) {
		switch {
		case strings.Contains(system, "Decompose"):
			return "cloud revenue growth", nil
		case strings.Contains(system, `"sufficient"`):
			return `{"sufficient":true,"confidence":0.95}`, nil
		}
		return "", fmt.Errorf("generate: %w", domain.ErrServiceUnavailable)
	}}

	report := newAgent(t, r, gen).Run(context.Background(), "run-s", "cloud growth", domain.Filters{}, stream.Discard)

	assert.False(t, report.Aborted)
	assert.Equal(t, domain.ConfidenceLow, report.Confidence)
	require.Len(t, report.Claims, 1)
	assert.Equal(t, "Cloud revenue grew 30% year over year.", report.Claims[0].Text)
	assert.Equal(t, []string{"t-call#0002"}, report.Claims[0].SupportingChunkIDs)
}

func TestRun_BoundedParallelism(t *testing.T) {
	var inflight, peak atomic.Int32
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return domain.EvidenceSet{Query: q, Candidates: []domain.RetrievalCandidate{
			candidate(q+"#0000", "Revenue grew.", 0.5),
		}}, nil
	}}
	gen := planningGen([]string{"q1", "q2", "q3", "q4", "q5"}, `{"claims":[]}`)
	a := newAgent(t, r, gen, func(c *config.AgentConfig) { c.MaxParallelRetrievals = 2 })

	report := a.Run(context.Background(), "run-b", "five things", domain.Filters{}, stream.Discard)

	assert.Len(t, report.SubQueries, 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, r.queries(), 5)
}

func TestRun_RetrievalTimeoutRecordsEmptyEvidence(t *testing.T) {
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		<-ctx.Done()
		return domain.EvidenceSet{}, ctx.Err()
	}}
	a := newAgent(t, r, nil, func(c *config.AgentConfig) {
		c.RetrievalTimeout = 20 * time.Millisecond
		c.MaxRetries = 2
	})
	rec := newRecorder("run-t")

	report := a.Run(context.Background(), "run-t", "slow", domain.Filters{}, rec)

	assert.False(t, report.Aborted)
	assert.Empty(t, report.AbortReason)
	assert.Equal(t, domain.ConfidenceLow, report.Confidence)
	assert.Equal(t, 3, report.Rounds)
	assert.Len(t, r.queries(), 3)
	assert.Empty(t, report.Claims)

	events := collect(t, rec)
	assert.Equal(t, []string{
		"planning", "retrieving", "evaluating",
		"retrying", "retrieving", "evaluating",
		"retrying", "retrieving", "evaluating",
		"synthesizing", "done",
	}, phases(events))
	var errs []string
	for _, e := range events {
		if e.Kind == stream.KindError {
			errs = append(errs, e.Message)
		}
	}
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "deadline exceeded")
}

func TestRun_TimeoutAlongsideEvidenceStillCovers(t *testing.T) {
	r := &fakeRetrieval{fn: func(ctx context.Context, q string) (domain.EvidenceSet, error) {
		if strings.Contains(q, "margin") {
			<-ctx.Done()
			return domain.EvidenceSet{}, ctx.Err()
		}
		return domain.EvidenceSet{Query: q, Candidates: []domain.RetrievalCandidate{
			candidate("n-10k#0001", "Net sales rose 8% on services.", 0.8),
		}}, nil
	}}
	gen := planningGen([]string{"NVDA net sales", "NVDA gross margin"},
		`{"claims":[{"text":"Net sales rose 8%.","citations":["n-10k#0001"]}]}`)
	a := newAgent(t, r, gen, func(c *config.AgentConfig) {
		c.RetrievalTimeout = 20 * time.Millisecond
		c.MaxRetries = 0
	})

	report := a.Run(context.Background(), "run-t2", "NVDA sales and margin", domain.Filters{}, stream.Discard)

	assert.False(t, report.Aborted)
	assert.Equal(t, 1, report.Rounds)
	assert.Equal(t, domain.ConfidenceLow, report.Confidence)
	require.Len(t, report.Claims, 1)
	assert.Equal(t, []string{"n-10k#0001"}, report.Claims[0].SupportingChunkIDs)
}

func TestNew_RequiresRetrieval(t *testing.T) {
	_, err := New(Deps{}, testConfig())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
