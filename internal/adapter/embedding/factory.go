package embedding

import (
	"fmt"

	"finrag/config"
	"finrag/internal/port"
)

// New builds the embedder selected by cfg.Provider.
func New(cfg config.EmbeddingConfig) (port.Embedder, error) {
	opts := []Option{WithBatchSize(cfg.BatchSize)}
	switch cfg.Provider {
	case "", "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	case "openai":
		if cfg.BaseURL != "" {
			return NewOpenAICompatibleEmbedder("openai", cfg.APIKeyEnv, cfg.Model, cfg.BaseURL, append(opts, WithDimension(cfg.Dimension))...)
		}
		return NewOpenAIEmbedder(cfg.APIKeyEnv, cfg.Model, opts...)
	case "jina":
		return NewJinaEmbedder(cfg.APIKeyEnv, cfg.Model, opts...)
	case "deepseek":
		return NewOpenAICompatibleEmbedder("deepseek", cfg.APIKeyEnv, cfg.Model, "https://api.deepseek.com/v1", opts...)
	case "ollama":
		return NewOllamaEmbedder(cfg.Model, cfg.BaseURL, opts...), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
