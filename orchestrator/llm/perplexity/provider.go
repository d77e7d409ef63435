// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

// Package perplexity provides an LLM provider implementation for Perplexity's
// Sonar models. Responses carry search citations alongside generated text.
package perplexity

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the default Perplexity API endpoint
	DefaultBaseURL = "https://api.perplexity.ai"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096

	// DefaultTemperature is the default temperature for completions
	DefaultTemperature = 0.7
)

// Model constants for supported Perplexity models
const (
	ModelSonar          = "sonar"
	ModelSonarPro       = "sonar-pro"
	ModelSonarReasoning = "sonar-reasoning"

	// Default model
	DefaultModel = ModelSonarPro
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements chat completions against the Perplexity API
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration
	client  HTTPClient
	healthy bool
	mu      sync.RWMutex
}

// Config contains configuration for the Perplexity provider
type Config struct {
	APIKey  string        // Required: Perplexity API key
	BaseURL string        // Optional: API base URL (default: https://api.perplexity.ai)
	Model   string        // Optional: Default model (default: sonar-pro)
	Timeout time.Duration // Optional: HTTP timeout (default: 120s)
}

// CompletionRequest represents a completion request to Perplexity
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Model        string
	Stream       bool
}

// CompletionResponse represents a completion response from Perplexity
type CompletionResponse struct {
	Content      string
	Model        string
	FinishReason string
	RequestID    string
	Citations    []string
	Usage        UsageStats
	Latency      time.Duration
}

// UsageStats contains token usage statistics
type UsageStats struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk represents a single chunk in a streaming response
type StreamChunk struct {
	Content      string
	FinishReason string
	Done         bool
}

// StreamHandler is a callback function for handling stream chunks
type StreamHandler func(chunk StreamChunk) error

// NewProvider creates a new Perplexity provider instance
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("perplexity API key is required")
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
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		healthy: true,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "perplexity"
}

// SupportsStreaming indicates if the provider supports streaming
func (p *Provider) SupportsStreaming() bool {
	return true
}

// DefaultModelName returns the configured default model
func (p *Provider) DefaultModelName() string {
	return p.model
}

// IsHealthy returns whether the provider is healthy
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

// Complete generates a completion for the given request
func (p *Provider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	reqBody, err := json.Marshal(p.buildRequestBody(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return nil, fmt.Errorf("perplexity API error: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.setHealthy(false)
		}
		return nil, p.parseAPIError(resp.StatusCode, body)
	}
	p.setHealthy(true)

	var apiResp chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("perplexity returned no choices")
	}

	return &CompletionResponse{
		Content:      apiResp.Choices[0].Message.Content,
		Model:        apiResp.Model,
		FinishReason: apiResp.Choices[0].FinishReason,
		RequestID:    apiResp.ID,
		Citations:    apiResp.Citations,
		Usage: UsageStats{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.PromptTokens + apiResp.Usage.CompletionTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// CompleteStream generates a streaming completion for the given request
func (p *Provider) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()

	reqBody, err := json.Marshal(p.buildRequestBody(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return nil, fmt.Errorf("perplexity API error: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.setHealthy(false)
		}
		return nil, p.parseAPIError(resp.StatusCode, body)
	}
	p.setHealthy(true)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var usage UsageStats
	var finishReason string
	var responseModel string
	var requestID string
	var citations []string

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if event.Model != "" {
			responseModel = event.Model
		}
		if event.ID != "" {
			requestID = event.ID
		}
		// Perplexity repeats the full citation list on each chunk
		if len(event.Citations) > 0 {
			citations = event.Citations
		}
		if event.Usage != nil {
			usage.PromptTokens = event.Usage.PromptTokens
			usage.CompletionTokens = event.Usage.CompletionTokens
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			if handler != nil {
				if err := handler(StreamChunk{Content: choice.Delta.Content}); err != nil {
					return nil, fmt.Errorf("handler error: %w", err)
				}
			}
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read error: %w", err)
	}

	if handler != nil {
		if err := handler(StreamChunk{Done: true, FinishReason: finishReason}); err != nil {
			return nil, fmt.Errorf("handler error: %w", err)
		}
	}

	if responseModel == "" {
		responseModel = req.Model
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &CompletionResponse{
		Content:      contentBuilder.String(),
		Model:        responseModel,
		FinishReason: finishReason,
		RequestID:    requestID,
		Citations:    citations,
		Usage:        usage,
		Latency:      time.Since(start),
	}, nil
}

func (p *Provider) buildRequestBody(req CompletionRequest, stream bool) chatCompletionRequest {
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

	return chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
		Stream:      stream,
	}
}

// setHeaders sets the required headers for Perplexity API requests
func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
}

// parseAPIError parses an API error response
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		Detail string `json:"detail"`
	}

	if err := json.Unmarshal(body, &errResp); err != nil {
		return &APIError{StatusCode: statusCode, Message: string(body)}
	}

	message := errResp.Error.Message
	if message == "" {
		message = errResp.Detail
	}
	if message == "" {
		message = string(body)
	}

	return &APIError{
		StatusCode: statusCode,
		Type:       errResp.Error.Type,
		Message:    message,
	}
}

// APIError represents a Perplexity API error
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("perplexity API error (status %d, type %s): %s", e.StatusCode, e.Type, e.Message)
}

// IsRateLimitError returns true if this is a rate limit error
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsAuthError returns true if this is an authentication error
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// Internal API types

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID        string   `json:"id"`
	Model     string   `json:"model"`
	Citations []string `json:"citations"`
	Choices   []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatCompletionChunk struct {
	ID        string   `json:"id"`
	Model     string   `json:"model"`
	Citations []string `json:"citations"`
	Choices   []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// GetSupportedModels returns a list of supported Perplexity models
func GetSupportedModels() []string {
	return []string{
		ModelSonar,
		ModelSonarPro,
		ModelSonarReasoning,
	}
}
