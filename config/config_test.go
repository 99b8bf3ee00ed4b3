package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 64, cfg.Index.MinTokens)
	assert.Equal(t, 320, cfg.Index.MaxTokens)
	assert.Equal(t, 1.2, cfg.Index.K1)
	assert.Equal(t, 0.75, cfg.Index.B)
	assert.Equal(t, 20, cfg.Retrieve.TopK)
	assert.Equal(t, 60, cfg.Retrieve.RRFK)
	assert.Equal(t, 5, cfg.Agent.MaxSubQueries)
	assert.Equal(t, 3, cfg.Resilience.MaxAttempts)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultConfig().Retrieve.TopK, cfg.Retrieve.TopK)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "finrag.yaml")

	content := `
index:
  max_tokens: 256
  stemming: false
retrieve:
  top_k: 10
agent:
  retrieval_timeout: 3s
  reformulation: hyde
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Index.MaxTokens)
	assert.False(t, cfg.Index.Stemming)
	assert.Equal(t, 10, cfg.Retrieve.TopK)
	assert.Equal(t, 3*time.Second, cfg.Agent.RetrievalTimeout)
	assert.Equal(t, "hyde", cfg.Agent.Reformulation)
	// untouched sections keep their defaults
	assert.Equal(t, 64, cfg.Index.MinTokens)
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "finrag.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("index: [unterminated"), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoadFromDir(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, ".finrag"), 0755))
	content := `
rerank:
  top_n: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".finrag", "config.yaml"), []byte(content), 0644))

	cfg, err := LoadFromDir(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Rerank.TopN)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finrag.yaml")
	cfg := DefaultConfig()
	cfg.Agent.MaxRetries = 7

	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Agent.MaxRetries)
	assert.Equal(t, cfg.Agent.RetrievalTimeout, loaded.Agent.RetrievalTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max below min", func(c *Config) { c.Index.MaxTokens = c.Index.MinTokens - 1 }},
		{"zero top_k", func(c *Config) { c.Retrieve.TopK = 0 }},
		{"negative retries", func(c *Config) { c.Agent.MaxRetries = -1 }},
		{"threshold above one", func(c *Config) { c.Agent.ConfidenceThreshold = 1.5 }},
		{"unknown reformulation", func(c *Config) { c.Agent.Reformulation = "magic" }},
		{"no parallelism", func(c *Config) { c.Agent.MaxParallelRetrievals = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIndexDBPath(t *testing.T) {
	path := IndexDBPath("/home/user/research")
	assert.Equal(t, filepath.Join("/home/user/research", ".finrag", "index.db"), path)
}
