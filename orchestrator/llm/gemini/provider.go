// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

// Package gemini provides an LLM provider implementation for Google's Gemini
// models with both streaming and non-streaming completion modes.
package gemini

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
	// DefaultBaseURL is the default Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultAPIVersion is the Gemini API version.
	DefaultAPIVersion = "v1beta"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max output tokens for completions.
	DefaultMaxTokens = 4096

	// DefaultTemperature is the default temperature for completions.
	DefaultTemperature = 0.7
)

// Model constants for supported Gemini models.
const (
	ModelGemini25Flash = "gemini-2.5-flash"
	ModelGemini25Pro   = "gemini-2.5-pro"
	ModelGemini2Flash  = "gemini-2.0-flash"

	// Default model - Flash has the best availability
	DefaultModel = ModelGemini2Flash
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements chat completions against the Gemini API.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	timeout    time.Duration
	client     HTTPClient
	healthy    bool
	mu         sync.RWMutex
}

// Config contains configuration for the Gemini provider.
type Config struct {
	APIKey     string        // Required: Google API key
	BaseURL    string        // Optional: API base URL (default: https://generativelanguage.googleapis.com)
	APIVersion string        // Optional: API version (default: v1beta)
	Model      string        // Optional: Default model (default: gemini-2.0-flash)
	Timeout    time.Duration // Optional: HTTP timeout (default: 120s)
}

// CompletionRequest represents a completion request to Gemini.
type CompletionRequest struct {
	Prompt        string
	SystemPrompt  string
	MaxTokens     int
	Temperature   float64
	Model         string
	StopSequences []string
	Stream        bool
}

// CompletionResponse represents a completion response from Gemini.
type CompletionResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        UsageStats
	Latency      time.Duration
}

// UsageStats contains token usage statistics.
type UsageStats struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Content      string
	FinishReason string
	Done         bool
}

// StreamHandler is a callback function for handling stream chunks.
type StreamHandler func(chunk StreamChunk) error

// NewProvider creates a new Gemini provider instance.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		client:     &http.Client{Timeout: cfg.Timeout},
		healthy:    true,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "gemini"
}

// SupportsStreaming indicates if the provider supports streaming.
func (p *Provider) SupportsStreaming() bool {
	return true
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

	reqBody, err := json.Marshal(p.buildRequestBody(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/models/%s:generateContent?key=%s",
		p.baseURL, p.apiVersion, model, p.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return nil, fmt.Errorf("gemini API error: %w", err)
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

	var apiResp generateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(apiResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	candidate := apiResp.Candidates[0]
	var contentBuilder strings.Builder
	for _, part := range candidate.Content.Parts {
		contentBuilder.WriteString(part.Text)
	}

	usage := UsageStats{}
	if apiResp.UsageMetadata != nil {
		usage.PromptTokens = apiResp.UsageMetadata.PromptTokenCount
		usage.CompletionTokens = apiResp.UsageMetadata.CandidatesTokenCount
		usage.TotalTokens = apiResp.UsageMetadata.PromptTokenCount + apiResp.UsageMetadata.CandidatesTokenCount
	}

	return &CompletionResponse{
		Content:      contentBuilder.String(),
		Model:        model,
		FinishReason: candidate.FinishReason,
		Usage:        usage,
		Latency:      time.Since(start),
	}, nil
}

// CompleteStream generates a streaming completion for the given request.
func (p *Provider) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	reqBody, err := json.Marshal(p.buildRequestBody(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		p.baseURL, p.apiVersion, model, p.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return nil, fmt.Errorf("gemini API error: %w", err)
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

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var event generateContentResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}
		if event.UsageMetadata != nil {
			usage.PromptTokens = event.UsageMetadata.PromptTokenCount
			usage.CompletionTokens = event.UsageMetadata.CandidatesTokenCount
		}
		if len(event.Candidates) == 0 {
			continue
		}

		candidate := event.Candidates[0]
		for _, part := range candidate.Content.Parts {
			if part.Text == "" {
				continue
			}
			contentBuilder.WriteString(part.Text)
			if handler != nil {
				if err := handler(StreamChunk{Content: part.Text}); err != nil {
					return nil, fmt.Errorf("handler error: %w", err)
				}
			}
		}
		if candidate.FinishReason != "" {
			finishReason = candidate.FinishReason
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

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &CompletionResponse{
		Content:      contentBuilder.String(),
		Model:        model,
		FinishReason: finishReason,
		Usage:        usage,
		Latency:      time.Since(start),
	}, nil
}

func (p *Provider) buildRequestBody(req CompletionRequest) generateContentRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := req.Temperature
	if temperature < 0 {
		temperature = DefaultTemperature
	}

	apiReq := generateContentRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: &generationConfig{
			MaxOutputTokens: maxTokens,
			Temperature:     &temperature,
		},
	}
	if req.SystemPrompt != "" {
		apiReq.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}
	if len(req.StopSequences) > 0 {
		apiReq.GenerationConfig.StopSequences = req.StopSequences
	}
	return apiReq
}

// parseAPIError parses an API error response.
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return &APIError{StatusCode: statusCode, Message: string(body)}
	}

	return &APIError{
		StatusCode: statusCode,
		Type:       errResp.Error.Status,
		Message:    errResp.Error.Message,
	}
}

// APIError represents a Gemini API error.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini API error (status %d, type %s): %s", e.StatusCode, e.Type, e.Message)
}

// IsRateLimitError returns true if this is a rate limit error.
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Type == "RESOURCE_EXHAUSTED"
}

// IsAuthError returns true if this is an authentication error.
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Internal API types

type generateContentRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

// GetSupportedModels returns a list of supported Gemini models.
func GetSupportedModels() []string {
	return []string{
		ModelGemini25Flash,
		ModelGemini25Pro,
		ModelGemini2Flash,
	}
}
