package retriever

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/cache"
	"finrag/internal/domain"
	"finrag/internal/metrics"
	"finrag/internal/port"
)

// DefaultRRFK is the standard reciprocal-rank-fusion constant.
const DefaultRRFK = 60

// HybridRetriever fuses dense vector search and BM25 search with RRF.
type HybridRetriever struct {
	store     port.ChunkStore
	embedder  port.Embedder
	tokenizer *analyzer.Tokenizer
	cache     *cache.QueryCache
	logger    *zap.Logger
	rrfK      int
	kDense    int
	kSparse   int
}

// HybridOption configures a HybridRetriever.
type HybridOption func(*HybridRetriever)

// WithRRFK sets the rank constant. Zero keeps the default.
func WithRRFK(k int) HybridOption {
	return func(r *HybridRetriever) {
		if k > 0 {
			r.rrfK = k
		}
	}
}

// WithCandidatePool fixes the per-list candidate counts. Zero means max(3k, 20).
func WithCandidatePool(kDense, kSparse int) HybridOption {
	return func(r *HybridRetriever) {
		r.kDense = kDense
		r.kSparse = kSparse
	}
}

// WithCache enables result caching keyed by query, k and filters.
func WithCache(c *cache.QueryCache) HybridOption {
	return func(r *HybridRetriever) { r.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HybridOption {
	return func(r *HybridRetriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewHybridRetriever creates a retriever over store. The embedder and
// tokenizer must be the ones used at indexing time.
func NewHybridRetriever(store port.ChunkStore, embedder port.Embedder, tokenizer *analyzer.Tokenizer, opts ...HybridOption) *HybridRetriever {
	r := &HybridRetriever{
		store:     store,
		embedder:  embedder,
		tokenizer: tokenizer,
		logger:    zap.NewNop(),
		rrfK:      DefaultRRFK,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// snapshotAttempts bounds re-runs when a write lands between search and hydration.
const snapshotAttempts = 3

// Retrieve returns up to k fused candidates for query, restricted by filters.
// It fails with domain.ErrEmptyIndex when no chunk matches filters.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, k int, filters domain.Filters) ([]domain.RetrievalCandidate, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1, got %d", domain.ErrInvalidInput, k)
	}

	start := time.Now()
	defer func() { metrics.RetrievalDuration.Observe(time.Since(start).Seconds()) }()

	key := cache.Key(query, k, filters)
	if r.cache != nil {
		if hit, ok := r.cache.Get(key, r.store.Generation()); ok {
			metrics.RetrievalCacheHits.WithLabelValues("hit").Inc()
			return hit, nil
		}
		metrics.RetrievalCacheHits.WithLabelValues("miss").Inc()
	}

	for attempt := 1; ; attempt++ {
		out, gen, stable, err := r.search(ctx, query, k, filters)
		if err != nil {
			return nil, err
		}
		if stable {
			if r.cache != nil {
				r.cache.Put(key, gen, out)
			}
			return out, nil
		}
		if attempt == snapshotAttempts {
			// chunk texts still come from one snapshot; only scores may lag
			r.logger.Debug("index changed during every retrieval attempt", zap.String("query", query))
			return out, nil
		}
	}
}

// search runs one dense+sparse pass and hydrates the fused candidates from a
// single store snapshot. stable reports that no write committed in between.
func (r *HybridRetriever) search(ctx context.Context, query string, k int, filters domain.Filters) ([]domain.RetrievalCandidate, uint64, bool, error) {
	before := r.store.Generation()

	n, err := r.store.Count(ctx, filters)
	if err != nil {
		return nil, 0, false, fmt.Errorf("count chunks: %w", err)
	}
	if n == 0 {
		return nil, 0, false, domain.ErrEmptyIndex
	}

	stored, err := r.store.EmbeddingVersion(ctx)
	if err != nil {
		return nil, 0, false, fmt.Errorf("read embedding version: %w", err)
	}
	if stored != "" && stored != r.embedder.Version() {
		return nil, 0, false, &domain.EmbeddingVersionMismatchError{Stored: stored, Requested: r.embedder.Version()}
	}

	kDense, kSparse := r.pool(k)
	var dense, sparse []domain.ScoredChunk

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecs, err := r.embedder.Embed(gctx, []string{query})
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		if len(vecs) == 0 {
			return nil
		}
		dense, err = r.store.DenseSearch(gctx, vecs[0], kDense, filters)
		return err
	})
	g.Go(func() error {
		terms := r.tokenizer.Tokenize(query)
		if len(terms) == 0 {
			return nil
		}
		var err error
		sparse, err = r.store.SparseSearch(gctx, terms, kSparse, filters)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, false, err
	}

	fused := Fuse(dense, sparse, r.rrfK)
	if len(fused) > k {
		fused = fused[:k]
	}

	ids := make([]string, len(fused))
	for i, c := range fused {
		ids[i] = c.ChunkID
	}
	chunks, gen, err := r.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, 0, false, fmt.Errorf("load candidates: %w", err)
	}
	byID := make(map[string]domain.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	out := make([]domain.RetrievalCandidate, 0, len(fused))
	for _, c := range fused {
		chunk, ok := byID[c.ChunkID]
		if !ok {
			r.logger.Debug("candidate vanished", zap.String("chunk_id", c.ChunkID))
			continue
		}
		c.Chunk = chunk
		out = append(out, c)
	}

	r.logger.Debug("hybrid retrieval",
		zap.String("query", query),
		zap.Int("dense", len(dense)),
		zap.Int("sparse", len(sparse)),
		zap.Int("fused", len(out)),
		zap.Uint64("generation", gen),
	)
	return out, gen, gen == before, nil
}

func (r *HybridRetriever) pool(k int) (int, int) {
	def := max(3*k, 20)
	kDense, kSparse := r.kDense, r.kSparse
	if kDense <= 0 {
		kDense = def
	}
	if kSparse <= 0 {
		kSparse = def
	}
	return kDense, kSparse
}

// Fuse combines ranked dense and sparse lists by reciprocal rank fusion:
// score = sum over lists of 1/(rrfK + rank), rank starting at 1. Ties break by
// higher dense score, then by chunk id.
func Fuse(dense, sparse []domain.ScoredChunk, rrfK int) []domain.RetrievalCandidate {
	byID := make(map[string]*domain.RetrievalCandidate, len(dense)+len(sparse))
	get := func(id string) *domain.RetrievalCandidate {
		c, ok := byID[id]
		if !ok {
			c = &domain.RetrievalCandidate{ChunkID: id}
			byID[id] = c
		}
		return c
	}

	for i, d := range dense {
		c := get(d.ChunkID)
		if c.DenseScore == 0 {
			c.DenseScore = d.Score
			c.FusedScore += 1.0 / float64(rrfK+i+1)
		}
	}
	for i, s := range sparse {
		c := get(s.ChunkID)
		if c.SparseScore == 0 {
			c.SparseScore = s.Score
			c.FusedScore += 1.0 / float64(rrfK+i+1)
		}
	}

	out := make([]domain.RetrievalCandidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		if out[i].DenseScore != out[j].DenseScore {
			return out[i].DenseScore > out[j].DenseScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}
