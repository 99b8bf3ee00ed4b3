package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/config"
	"finrag/internal/adapter/resilience"
)

func TestClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "m1", req.Model)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "local", Model: "m1", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "be brief", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, int64(1), c.Stats().TotalCalls)
	assert.Equal(t, int64(len("be brief")+len("hi")), c.Stats().TotalInputChars)
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "local", Model: "m1", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "", "hi")
	require.Error(t, err)
	assert.True(t, resilience.Retryable(err))
}

func TestClient_APIErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"context length exceeded"}}`))
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "local", Model: "m1", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "", "hi")
	require.Error(t, err)
	assert.False(t, resilience.Retryable(err))
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(config.LLMConfig{Provider: "mystery"})
	assert.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "no json", ExtractJSON("no json"))
}
