// Package llm provides an OpenAI-compatible chat completion client.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"finrag/config"
	"finrag/internal/adapter/resilience"
)

// Client is a port.Generator backed by a /chat/completions endpoint.
type Client struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client

	calls    atomic.Int64
	inChars  atomic.Int64
	outChars atomic.Int64
}

// Stats tracks usage across calls.
type Stats struct {
	TotalCalls       int64
	TotalInputChars  int64
	TotalOutputChars int64
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

var providers = map[string]struct {
	baseURL   string
	keyEnvVar string
}{
	"deepseek": {"https://api.deepseek.com/v1", "DEEPSEEK_API_KEY"},
	"openai":   {"https://api.openai.com/v1", "OPENAI_API_KEY"},
	"local":    {"http://localhost:11434/v1", ""},
}

// New creates a client for cfg.Provider. A custom BaseURL allows any
// OpenAI-compatible endpoint.
func New(cfg config.LLMConfig) (*Client, error) {
	p, ok := providers[cfg.Provider]
	if !ok && cfg.BaseURL == "" {
		return nil, fmt.Errorf("unknown LLM provider: %s (set llm.base_url for custom endpoints)", cfg.Provider)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = p.baseURL
	}

	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = p.keyEnvVar
	}
	var apiKey string
	if keyEnv != "" && cfg.Provider != "local" {
		apiKey = os.Getenv(keyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("API key not found. Set %s environment variable", keyEnv)
		}
	}

	return &Client{
		provider:    cfg.Provider,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		// per-call deadlines come from the resilience wrapper
		client: &http.Client{},
	}, nil
}

// Generate implements port.Generator.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})
	return c.chat(ctx, messages)
}

func (c *Client) chat(ctx context.Context, messages []chatMessage) (string, error) {
	inputChars := 0
	for _, m := range messages {
		inputChars += len(m.Content)
	}

	jsonData, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &resilience.StatusError{Service: c.provider, Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", resilience.Permanent(fmt.Errorf("parse response: %w", err))
	}
	if chatResp.Error != nil {
		return "", resilience.Permanent(fmt.Errorf("API error: %s", chatResp.Error.Message))
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from LLM")
	}

	output := chatResp.Choices[0].Message.Content
	c.calls.Add(1)
	c.inChars.Add(int64(inputChars))
	c.outChars.Add(int64(len(output)))
	return output, nil
}

func (c *Client) ModelName() string { return c.model }

// Stats returns usage since the client was created.
func (c *Client) Stats() Stats {
	return Stats{
		TotalCalls:       c.calls.Load(),
		TotalInputChars:  c.inChars.Load(),
		TotalOutputChars: c.outChars.Load(),
	}
}

// ExtractJSON returns the outermost {...} object in s, tolerating code fences
// and prose around it.
func ExtractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
