package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"finrag/config"
	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/resilience"
	"finrag/internal/port"
)

// CohereScorer scores passages with a Cohere-compatible /rerank endpoint.
type CohereScorer struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type cohereRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopN      int      `json:"top_n,omitempty"`
}

type cohereRerankResponse struct {
	Results []cohereRerankResult `json:"results"`
}

type cohereRerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Cohere accepts at most this many documents per request.
const cohereMaxDocs = 1000

// NewCohereScorer reads the API key from apiKeyEnv.
func NewCohereScorer(apiKeyEnv, model, baseURL string) (*CohereScorer, error) {
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
	}
	if model == "" {
		model = "rerank-english-v3.0"
	}
	if baseURL == "" {
		baseURL = "https://api.cohere.ai/v1"
	}
	return &CohereScorer{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}, nil
}

// Score implements port.RelevanceScorer. Passages past the API limit score zero.
func (s *CohereScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	if len(passages) == 0 {
		return scores, nil
	}
	docs := passages
	if len(docs) > cohereMaxDocs {
		docs = docs[:cohereMaxDocs]
	}

	jsonData, err := json.Marshal(cohereRerankRequest{Query: query, Documents: docs, Model: s.model})
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(jsonData))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &resilience.StatusError{Service: "cohere", Code: resp.StatusCode, Body: string(body)}
	}

	var rerankResp cohereRerankResponse
	if err := json.Unmarshal(body, &rerankResp); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("parse response: %w", err))
	}
	for _, r := range rerankResp.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.RelevanceScore
		}
	}
	return scores, nil
}

func (s *CohereScorer) ModelName() string { return s.model }

// OverlapScorer is a local scorer: the share of distinct query terms found in
// the passage, plus a small density bonus.
type OverlapScorer struct {
	tokenizer *analyzer.Tokenizer
}

func NewOverlapScorer(tokenizer *analyzer.Tokenizer) *OverlapScorer {
	return &OverlapScorer{tokenizer: tokenizer}
}

func (s *OverlapScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	queryTerms := s.tokenizer.TermFrequencies(query)
	scores := make([]float64, len(passages))
	if len(queryTerms) == 0 {
		return scores, nil
	}
	for i, p := range passages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docTerms := s.tokenizer.TermFrequencies(p)
		if len(docTerms) == 0 {
			continue
		}
		matched, hits, total := 0, 0, 0
		for _, tf := range docTerms {
			total += tf
		}
		for term := range queryTerms {
			if tf, ok := docTerms[term]; ok {
				matched++
				hits += tf
			}
		}
		scores[i] = float64(matched)/float64(len(queryTerms)) + 0.1*float64(hits)/float64(total)
	}
	return scores, nil
}

func (s *OverlapScorer) ModelName() string { return "term-overlap" }

// NewScorer builds the scorer selected by cfg.Provider. "none" yields nil,
// which makes every evidence set unreranked.
func NewScorer(cfg config.RerankConfig, tokenizer *analyzer.Tokenizer) (port.RelevanceScorer, error) {
	switch cfg.Provider {
	case "", "simple":
		return NewOverlapScorer(tokenizer), nil
	case "cohere":
		return NewCohereScorer(cfg.APIKeyEnv, cfg.Model, cfg.BaseURL)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown rerank provider: %s", cfg.Provider)
	}
}
