// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

// Package openrouter provides an LLM provider implementation for the
// OpenRouter aggregation API, which fronts many upstream model vendors
// behind a single OpenAI-compatible endpoint.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the default OpenRouter API endpoint.
	DefaultBaseURL = "https://openrouter.ai/api"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 4096

	// DefaultTemperature is the default temperature for completions.
	DefaultTemperature = 0.7
)

// Model constants for commonly routed models.
const (
	ModelAutoRouter    = "openrouter/auto"
	ModelLlama70B      = "meta-llama/llama-3.3-70b-instruct"
	ModelDeepSeekChat  = "deepseek/deepseek-chat"
	ModelMistralLarge  = "mistralai/mistral-large"
	ModelQwen25Coder   = "qwen/qwen-2.5-coder-32b-instruct"

	DefaultModel = ModelAutoRouter
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements chat completions against the OpenRouter API.
type Provider struct {
	apiKey   string
	baseURL  string
	model    string
	referer  string
	appTitle string
	timeout  time.Duration
	client   HTTPClient
	healthy  bool
	mu       sync.RWMutex
}

// Config contains configuration for the OpenRouter provider.
type Config struct {
	APIKey   string        // Required: OpenRouter API key
	BaseURL  string        // Optional: API base URL (default: https://openrouter.ai/api)
	Model    string        // Optional: Default model (default: openrouter/auto)
	Referer  string        // Optional: HTTP-Referer attribution header
	AppTitle string        // Optional: X-Title attribution header
	Timeout  time.Duration // Optional: HTTP timeout (default: 120s)
}

// CompletionRequest represents a completion request to OpenRouter.
type CompletionRequest struct {
	Prompt        string
	SystemPrompt  string
	MaxTokens     int
	Temperature   float64
	Model         string
	StopSequences []string
}

// CompletionResponse represents a completion response from OpenRouter.
type CompletionResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        UsageStats
	Latency      time.Duration
	RequestID    string
}

// UsageStats contains token usage statistics.
type UsageStats struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewProvider creates a new OpenRouter provider instance.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Provider{
		apiKey:   cfg.APIKey,
		baseURL:  cfg.BaseURL,
		model:    cfg.Model,
		referer:  cfg.Referer,
		appTitle: cfg.AppTitle,
		timeout:  cfg.Timeout,
		client:   &http.Client{Timeout: cfg.Timeout},
		healthy:  true,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openrouter"
}

// SupportsStreaming indicates if the provider supports streaming.
// Streaming is not wired for OpenRouter; completions are returned whole.
func (p *Provider) SupportsStreaming() bool {
	return false
}

// DefaultModelName returns the configured default model.
func (p *Provider) DefaultModelName() string {
	return p.model
}

// IsHealthy returns whether the provider is healthy.
func (p *Provider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy && p.apiKey != ""
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// Complete generates a completion for the given request.
func (p *Provider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := req.Temperature
	if temperature < 0 {
		temperature = DefaultTemperature
	}

	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	reqBody, err := json.Marshal(chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stop:        req.StopSequences,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := p.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return nil, fmt.Errorf("openrouter API error: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.setHealthy(false)
		}
		return nil, parseAPIError(resp.StatusCode, body)
	}
	p.setHealthy(true)

	var apiResp chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openrouter returned no choices")
	}

	choice := apiResp.Choices[0]
	return &CompletionResponse{
		Content:      choice.Message.Content,
		Model:        apiResp.Model,
		FinishReason: choice.FinishReason,
		Usage: UsageStats{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Latency:   time.Since(start),
		RequestID: apiResp.ID,
	}, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	// OpenRouter attribution headers (optional, improve routing priority)
	if p.referer != "" {
		req.Header.Set("HTTP-Referer", p.referer)
	}
	if p.appTitle != "" {
		req.Header.Set("X-Title", p.appTitle)
	}
}

// parseAPIError parses an API error response.
func parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return &APIError{StatusCode: statusCode, Message: string(body)}
	}

	return &APIError{
		StatusCode: statusCode,
		Message:    errResp.Error.Message,
	}
}

// APIError represents an OpenRouter API error.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openrouter API error (status %d): %s", e.StatusCode, e.Message)
}

// IsRateLimitError returns true if this is a rate limit error.
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsAuthError returns true if this is an authentication error.
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Internal API types

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
