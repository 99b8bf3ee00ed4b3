package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the research engine.
type Config struct {
	Index      IndexConfig      `yaml:"index"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Retrieve   RetrieveConfig   `yaml:"retrieve"`
	Rerank     RerankConfig     `yaml:"rerank"`
	LLM        LLMConfig        `yaml:"llm"`
	Agent      AgentConfig      `yaml:"agent"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Runs       RunsConfig       `yaml:"runs"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// IndexConfig holds ingestion, chunking and lexical scoring settings.
type IndexConfig struct {
	Includes        []string `yaml:"includes"`
	Excludes        []string `yaml:"excludes"`
	Stemming        bool     `yaml:"stemming"`
	MinTokens       int      `yaml:"min_tokens"`
	MaxTokens       int      `yaml:"max_tokens"`
	OverlapTokens   int      `yaml:"overlap_tokens"`
	BoundaryMarkers []string `yaml:"boundary_markers"` // regexes matched at line starts
	K1              float64  `yaml:"k1"`
	B               float64  `yaml:"b"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // "openai", "deepseek", "jina", "ollama", "hash"
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"` // Environment variable for API key
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

// RetrieveConfig holds hybrid retrieval configuration.
type RetrieveConfig struct {
	TopK         int           `yaml:"top_k"`
	KDense       int           `yaml:"k_dense"`  // 0 = max(3k, 20)
	KSparse      int           `yaml:"k_sparse"` // 0 = max(3k, 20)
	RRFK         int           `yaml:"rrf_k"`
	CacheSize    int           `yaml:"cache_size"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RerankConfig holds reranker configuration.
type RerankConfig struct {
	Provider  string        `yaml:"provider"` // "cohere", "simple", "none"
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	TopN      int           `yaml:"top_n"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LLMConfig holds text generation configuration.
type LLMConfig struct {
	Provider      string        `yaml:"provider"` // "openai", "deepseek", "local", "none"
	Model         string        `yaml:"model"`
	BaseURL       string        `yaml:"base_url"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerMinute float64       `yaml:"rate_per_minute"`
}

// AgentConfig holds research agent policy.
type AgentConfig struct {
	MaxSubQueries          int           `yaml:"max_subqueries"`
	MaxRetries             int           `yaml:"max_retries"`
	MaxParallelRetrievals  int           `yaml:"max_parallel_retrievals"`
	RetrievalTimeout       time.Duration `yaml:"retrieval_timeout"`
	ConfidenceThreshold    float64       `yaml:"confidence_threshold"`
	Reformulation          string        `yaml:"reformulation"` // "keyword", "llm", "hyde"
	SynthesisTokenBudget   int           `yaml:"synthesis_token_budget"`
	ExtractiveFallbackSize int           `yaml:"extractive_fallback_size"`
}

// ResilienceConfig controls retry behaviour for external services.
type ResilienceConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// RunsConfig controls run retention.
type RunsConfig struct {
	MaxRetained int `yaml:"max_retained"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Index: IndexConfig{
			Includes:      []string{"**/*.json", "**/*.yaml", "**/*.yml"},
			Excludes:      []string{"**/.git/**", "**/.finrag/**", "**/node_modules/**"},
			Stemming:      true,
			MinTokens:     64,
			MaxTokens:     320,
			OverlapTokens: 32,
			BoundaryMarkers: []string{
				`^#{1,6}\s`,
				`^(?i)item\s+\d+[a-z]?\.`,
				`^(?i)part\s+[ivx]+\b`,
			},
			K1: 1.2,
			B:  0.75,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Model:     "text-embedding-3-small",
			APIKeyEnv: "OPENAI_API_KEY",
			Dimension: 256,
			BatchSize: 100,
		},
		Retrieve: RetrieveConfig{
			TopK:         20,
			RRFK:         60,
			CacheSize:    256,
			CacheTTL:     5 * time.Minute,
			QueryTimeout: 10 * time.Second,
		},
		Rerank: RerankConfig{
			Provider:  "simple",
			Model:     "rerank-english-v3.0",
			APIKeyEnv: "COHERE_API_KEY",
			TopN:      8,
			Timeout:   10 * time.Second,
		},
		LLM: LLMConfig{
			Provider:      "none",
			Model:         "gpt-4o-mini",
			APIKeyEnv:     "OPENAI_API_KEY",
			Temperature:   0.1,
			MaxTokens:     1500,
			Timeout:       60 * time.Second,
			RatePerMinute: 60,
		},
		Agent: AgentConfig{
			MaxSubQueries:          5,
			MaxRetries:             2,
			MaxParallelRetrievals:  4,
			RetrievalTimeout:       15 * time.Second,
			ConfidenceThreshold:    0.6,
			Reformulation:          "keyword",
			SynthesisTokenBudget:   3000,
			ExtractiveFallbackSize: 5,
		},
		Resilience: ResilienceConfig{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Runs: RunsConfig{
			MaxRetained: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate rejects settings the pipeline cannot honour.
func (c *Config) Validate() error {
	if c.Index.MinTokens < 1 {
		return fmt.Errorf("index.min_tokens must be >= 1, got %d", c.Index.MinTokens)
	}
	if c.Index.MaxTokens < c.Index.MinTokens {
		return fmt.Errorf("index.max_tokens (%d) must be >= index.min_tokens (%d)", c.Index.MaxTokens, c.Index.MinTokens)
	}
	if c.Index.OverlapTokens < 0 {
		return fmt.Errorf("index.overlap_tokens must be >= 0, got %d", c.Index.OverlapTokens)
	}
	if c.Retrieve.TopK < 1 {
		return fmt.Errorf("retrieve.top_k must be >= 1, got %d", c.Retrieve.TopK)
	}
	if c.Retrieve.RRFK < 0 {
		return fmt.Errorf("retrieve.rrf_k must be >= 0, got %d", c.Retrieve.RRFK)
	}
	if c.Rerank.TopN < 1 {
		return fmt.Errorf("rerank.top_n must be >= 1, got %d", c.Rerank.TopN)
	}
	if c.Agent.MaxSubQueries < 1 {
		return fmt.Errorf("agent.max_subqueries must be >= 1, got %d", c.Agent.MaxSubQueries)
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries must be >= 0, got %d", c.Agent.MaxRetries)
	}
	if c.Agent.MaxParallelRetrievals < 1 {
		return fmt.Errorf("agent.max_parallel_retrievals must be >= 1, got %d", c.Agent.MaxParallelRetrievals)
	}
	if c.Agent.ConfidenceThreshold < 0 || c.Agent.ConfidenceThreshold > 1 {
		return fmt.Errorf("agent.confidence_threshold must be within [0,1], got %f", c.Agent.ConfidenceThreshold)
	}
	switch c.Agent.Reformulation {
	case "keyword", "llm", "hyde":
	default:
		return fmt.Errorf("agent.reformulation: unknown strategy %q", c.Agent.Reformulation)
	}
	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("resilience.max_attempts must be >= 1, got %d", c.Resilience.MaxAttempts)
	}
	if c.Embedding.Dimension < 1 {
		return fmt.Errorf("embedding.dimension must be >= 1, got %d", c.Embedding.Dimension)
	}
	return nil
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for finrag.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "finrag.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".finrag", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// IndexDBPath returns the path to the chunk store database.
func IndexDBPath(dir string) string {
	return filepath.Join(dir, ".finrag", "index.db")
}

// EnsureDataDir ensures the .finrag directory exists.
func EnsureDataDir(dir string) error {
	return os.MkdirAll(filepath.Join(dir, ".finrag"), 0755)
}
