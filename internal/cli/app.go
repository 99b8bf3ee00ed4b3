package cli

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"finrag/config"
	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/cache"
	"finrag/internal/adapter/chunker"
	"finrag/internal/adapter/embedding"
	"finrag/internal/adapter/fs"
	"finrag/internal/adapter/llm"
	"finrag/internal/adapter/normalizer"
	"finrag/internal/adapter/resilience"
	"finrag/internal/adapter/retriever"
	"finrag/internal/adapter/store"
	"finrag/internal/agent"
	"finrag/internal/port"
	"finrag/internal/runner"
	"finrag/internal/usecase"
)

// app is the composed pipeline for one index directory.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *store.BoltStore
	tokenizer *analyzer.Tokenizer
	embedder  port.Embedder
	cache     *cache.QueryCache
}

// openApp opens the chunk store under dir. With create unset a missing index
// is an error.
func openApp(cfg *config.Config, logger *zap.Logger, dir string, create bool) (*app, error) {
	dbPath := config.IndexDBPath(dir)
	if create {
		if err := config.EnsureDataDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create .finrag directory: %w", err)
		}
	} else if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no index found. Run 'finrag index' first")
	}

	st, err := store.NewBoltStore(dbPath,
		store.WithBM25(analyzer.BM25{K1: cfg.Index.K1, B: cfg.Index.B}),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open index store: %w", err)
	}

	emb, err := embedding.New(cfg.Embedding)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		tokenizer: analyzer.NewTokenizer(cfg.Index.Stemming),
		embedder: resilience.WrapEmbedder(emb, resilience.CallOptions{
			Policy:  resilience.PolicyFromConfig(cfg.Resilience),
			Timeout: cfg.Retrieve.QueryTimeout,
			Logger:  logger,
		}),
		cache: cache.NewQueryCache(cfg.Retrieve.CacheSize, cfg.Retrieve.CacheTTL),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) indexer() (*usecase.IndexUseCase, error) {
	chk, err := chunker.NewSemanticChunker(chunker.Options{
		MinTokens:       a.cfg.Index.MinTokens,
		MaxTokens:       a.cfg.Index.MaxTokens,
		OverlapTokens:   a.cfg.Index.OverlapTokens,
		BoundaryMarkers: a.cfg.Index.BoundaryMarkers,
	})
	if err != nil {
		return nil, err
	}
	return usecase.NewIndexUseCase(usecase.IndexDeps{
		Store:      a.store,
		Normalizer: normalizer.New(),
		Chunker:    chk,
		Embedder:   a.embedder,
		Tokenizer:  a.tokenizer,
		Walker:     fs.NewWalker(a.cfg.Index.Includes, a.cfg.Index.Excludes),
		Loader:     fs.NewLoader(),
		Cache:      a.cache,
		Logger:     a.logger,
	}), nil
}

func (a *app) retrieval(topK int) (*usecase.RetrieveUseCase, error) {
	if topK <= 0 {
		topK = a.cfg.Retrieve.TopK
	}
	hybrid := retriever.NewHybridRetriever(a.store, a.embedder, a.tokenizer,
		retriever.WithRRFK(a.cfg.Retrieve.RRFK),
		retriever.WithCandidatePool(a.cfg.Retrieve.KDense, a.cfg.Retrieve.KSparse),
		retriever.WithCache(a.cache),
		retriever.WithLogger(a.logger),
	)

	scorer, err := retriever.NewScorer(a.cfg.Rerank, a.tokenizer)
	if err != nil {
		return nil, fmt.Errorf("failed to create reranker: %w", err)
	}
	if scorer != nil {
		scorer = resilience.WrapScorer(scorer, resilience.CallOptions{
			Policy:  resilience.PolicyFromConfig(a.cfg.Resilience),
			Timeout: a.cfg.Rerank.Timeout,
			Logger:  a.logger,
		})
	}
	reranker := retriever.NewReranker(scorer, a.logger)

	return usecase.NewRetrieveUseCase(hybrid, reranker, topK, a.cfg.Rerank.TopN, a.cfg.Retrieve.QueryTimeout), nil
}

// generator returns nil when no language model is configured.
func (a *app) generator() (port.Generator, error) {
	if a.cfg.LLM.Provider == "" || a.cfg.LLM.Provider == "none" {
		return nil, nil
	}
	client, err := llm.New(a.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return resilience.WrapGenerator(client, resilience.CallOptions{
		Policy:  resilience.PolicyFromConfig(a.cfg.Resilience),
		Timeout: a.cfg.LLM.Timeout,
		Limiter: resilience.NewLimiter(a.cfg.LLM.RatePerMinute, 1),
		Logger:  a.logger,
	}), nil
}

func (a *app) runs() (*runner.Manager, error) {
	retrieval, err := a.retrieval(0)
	if err != nil {
		return nil, err
	}
	gen, err := a.generator()
	if err != nil {
		return nil, err
	}
	ag, err := agent.New(agent.Deps{
		Retrieval: retrieval,
		Generator: gen,
		Packer:    usecase.NewPackUseCase(retriever.DefaultMMR),
		Logger:    a.logger,
	}, a.cfg.Agent)
	if err != nil {
		return nil, err
	}
	return runner.NewManager(ag, a.cfg.Runs.MaxRetained, a.logger), nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
