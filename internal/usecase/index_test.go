package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/chunker"
	"finrag/internal/adapter/embedding"
	"finrag/internal/adapter/fs"
	"finrag/internal/adapter/memstore"
	"finrag/internal/adapter/normalizer"
	"finrag/internal/domain"
)

type countingCache struct{ n int }

func (c *countingCache) Invalidate() { c.n++ }

func newIndexer(t *testing.T, st *memstore.MemoryStore, c Invalidator) *IndexUseCase {
	t.Helper()
	ch, err := chunker.NewSemanticChunker(chunker.Options{MinTokens: 3, MaxTokens: 40})
	require.NoError(t, err)
	return NewIndexUseCase(IndexDeps{
		Store:      st,
		Normalizer: normalizer.New(),
		Chunker:    ch,
		Embedder:   embedding.NewHashEmbedder(64),
		Tokenizer:  analyzer.NewTokenizer(true),
		Walker:     fs.NewWalker([]string{"**/*.json", "**/*.yaml"}, nil),
		Loader:     fs.NewLoader(),
		Cache:      c,
		Logger:     zaptest.NewLogger(t),
	})
}

func rawFiling(id, content string) domain.RawDocument {
	return domain.RawDocument{
		ID:          id,
		Ticker:      "ACME",
		Type:        domain.DocFiling,
		PublishedAt: time.Date(2024, 10, 30, 0, 0, 0, 0, time.UTC),
		Content:     content,
	}
}

func TestIngestDocument_ReplacesPreviousVersion(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemoryStore()
	cache := &countingCache{}
	u := newIndexer(t, st, cache)

	v1 := "Item 2. MD&A\n\nRevenue increased due to cloud segment growth.\n\nItem 3. Market Risk\n\nWe are exposed to currency risk."
	id, n, err := u.IngestDocument(ctx, rawFiling("acme-10q", v1))
	require.NoError(t, err)
	assert.Equal(t, "acme-10q", id)
	assert.Equal(t, 2, n)

	v2 := "Revenue was flat for the quarter."
	_, n, err = u.IngestDocument(ctx, rawFiling("acme-10q", v2))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	chunks, err := st.ChunksByDocument(ctx, "acme-10q")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, v2, chunks[0].Text)
	assert.Len(t, chunks[0].Vector, 64)
	assert.NotEmpty(t, chunks[0].Terms)

	_, err = st.GetChunk(ctx, domain.ChunkID("acme-10q", 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	hits, err := st.SparseSearch(ctx, analyzer.NewTokenizer(true).Tokenize("currency"), 5, domain.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.Equal(t, 2, cache.n)
	version, _ := st.EmbeddingVersion(ctx)
	assert.Equal(t, "hash/fnv@64", version)
}

func TestIngestAll_SkipsMalformed(t *testing.T) {
	st := memstore.NewMemoryStore()
	u := newIndexer(t, st, nil)

	bad := rawFiling("bad", "")
	noTicker := rawFiling("anon", "Some text here.")
	noTicker.Ticker = ""

	var calls int
	res, err := u.IngestAll(context.Background(), []domain.RawDocument{
		rawFiling("good", "Revenue increased due to cloud segment growth."),
		bad,
		noTicker,
	}, func(done, total int) {
		calls++
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocumentsIndexed)
	assert.Equal(t, 3, calls)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "bad", res.Failures[0].DocumentID)
	assert.Equal(t, "anon", res.Failures[1].DocumentID)
}

func TestIngestAll_StopsOnVersionMismatch(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemoryStore()
	require.NoError(t, st.SetEmbeddingVersion(ctx, "openai/text-embedding-3-small@1536"))
	u := newIndexer(t, st, nil)

	res, err := u.IngestAll(ctx, []domain.RawDocument{
		rawFiling("a", "Revenue increased."),
		rawFiling("b", "Margins expanded."),
	}, nil)
	var mismatch *domain.EmbeddingVersionMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "openai/text-embedding-3-small@1536", mismatch.Stored)
	assert.Equal(t, 0, res.DocumentsIndexed)

	n, _ := st.Count(ctx, domain.Filters{})
	assert.Equal(t, 0, n)
}

func TestIndex_IdempotentPerChunkID(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemoryStore()
	u := newIndexer(t, st, nil)

	chunk := domain.Chunk{ID: "x#0000", DocumentID: "x", Text: "cloud revenue", TokenCount: 2, Ticker: "ACME", Type: domain.DocFiling}
	require.NoError(t, u.Index(ctx, []domain.Chunk{chunk}))
	chunk.Text = "cloud revenue again"
	require.NoError(t, u.Index(ctx, []domain.Chunk{chunk}))

	n, err := st.Count(ctx, domain.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := st.GetChunk(ctx, "x#0000")
	require.NoError(t, err)
	assert.Equal(t, "cloud revenue again", got.Text)
}

func TestIndexDir_Prune(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := memstore.NewMemoryStore()
	u := newIndexer(t, st, nil)

	path := filepath.Join(dir, "acme.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
 {"id": "a", "ticker": "ACME", "type": "filing", "published_at": "2024-10-30T00:00:00Z", "content": "Revenue grew."},
 {"id": "b", "ticker": "ACME", "type": "news", "published_at": "2024-10-31T00:00:00Z", "content": "Shares rose."}
]`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("ticker: [unterminated"), 0644))

	res, err := u.IndexDir(ctx, dir, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DocumentsIndexed)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Source, "broken.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`{"id": "a", "ticker": "ACME", "type": "filing", "published_at": "2024-10-30T00:00:00Z", "content": "Revenue grew."}`), 0644))
	res, err = u.IndexDir(ctx, dir, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocumentsDeleted)

	ids, err := st.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}
