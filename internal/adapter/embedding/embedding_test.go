package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/config"
	"finrag/internal/adapter/resilience"
	"finrag/internal/domain"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestHashEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), []string{"Revenue grew 12% in fiscal 2023"})
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), []string{"Revenue grew 12% in fiscal 2023"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a[0], 64)
	assert.InDelta(t, 1.0, norm(a[0]), 1e-5)
	assert.Equal(t, "hash/fnv@64", e.Version())
}

func TestHashEmbedder_SimilarTextsAreCloser(t *testing.T) {
	e := NewHashEmbedder(256)
	vecs, err := e.Embed(context.Background(), []string{
		"gross margin improved on lower supply chain costs",
		"supply chain costs fell and gross margin improved",
		"the board declared a quarterly dividend",
	})
	require.NoError(t, err)
	assert.Greater(t, domain.Cosine(vecs[0], vecs[1]), domain.Cosine(vecs[0], vecs[2]))
}

func TestHashEmbedder_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashEmbedder(8).Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIEmbedder_BatchesAndNormalizes(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embeddingResponse{}
		// reversed order exercises index placement
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, embeddingData{Index: i, Embedding: []float32{3, 4}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	t.Setenv("TEST_EMBED_KEY", "secret")
	e, err := NewOpenAICompatibleEmbedder("openai", "TEST_EMBED_KEY", "m", srv.URL, WithDimension(2), WithBatchSize(2))
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
	require.Len(t, vecs, 3)
	assert.InDelta(t, 0.6, vecs[2][0], 1e-6)
	assert.InDelta(t, 0.8, vecs[2][1], 1e-6)
	assert.Equal(t, "openai/m@2", e.Version())
}

func TestOpenAIEmbedder_StatusErrors(t *testing.T) {
	code := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	t.Setenv("TEST_EMBED_KEY", "secret")
	e, err := NewOpenAICompatibleEmbedder("openai", "TEST_EMBED_KEY", "m", srv.URL, WithDimension(2))
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"a"})
	var se *resilience.StatusError
	require.True(t, errors.As(err, &se))
	assert.True(t, resilience.Retryable(err))

	code = http.StatusUnauthorized
	_, err = e.Embed(context.Background(), []string{"a"})
	assert.False(t, resilience.Retryable(err))
}

func TestOpenAIEmbedder_MissingKey(t *testing.T) {
	t.Setenv("TEST_EMBED_KEY_MISSING", "")
	_, err := NewOpenAIEmbedder("TEST_EMBED_KEY_MISSING", "text-embedding-3-small")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: "hash", Dimension: 32})
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dimension())

	_, err = New(config.EmbeddingConfig{Provider: "bogus"})
	assert.Error(t, err)
}
