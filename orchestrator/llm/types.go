// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

// Package llm provides a unified interface and types for LLM chat-completion
// providers. It defines the common abstractions used across all provider
// integrations in Synapse, enabling pluggable provider implementations.
package llm

import (
	"fmt"
	"time"
)

// ProviderType identifies the type of LLM provider.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeOpenAI represents OpenAI's GPT models.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeGemini represents Google's Gemini models.
	ProviderTypeGemini ProviderType = "gemini"

	// ProviderTypePerplexity represents Perplexity's Sonar models.
	ProviderTypePerplexity ProviderType = "perplexity"

	// ProviderTypeMoonshot represents Moonshot's Kimi models.
	ProviderTypeMoonshot ProviderType = "moonshot"

	// ProviderTypeOpenRouter represents models proxied through OpenRouter.
	ProviderTypeOpenRouter ProviderType = "openrouter"

	// ProviderTypeCustom represents a custom/third-party provider.
	ProviderTypeCustom ProviderType = "custom"
)

// CompletionRequest encapsulates all parameters for an LLM completion request.
// This is the unified request type used across all providers.
type CompletionRequest struct {
	// Prompt is the user's input text/question.
	Prompt string `json:"prompt"`

	// SystemPrompt is an optional system message that sets context/behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens limits the maximum number of tokens in the response.
	// If 0, provider defaults are used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic, 1.0 = creative).
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// StopSequences are strings that cause generation to stop.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// Stream enables streaming response mode.
	// When true, use CompleteStream instead of Complete.
	Stream bool `json:"stream,omitempty"`

	// Metadata contains provider-specific options.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CompletionResponse contains the result of an LLM completion.
type CompletionResponse struct {
	// Content is the generated text response.
	Content string `json:"content"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped.
	// Common values: "stop", "max_tokens", "content_filter".
	FinishReason string `json:"finish_reason,omitempty"`

	// RequestID is the provider-assigned message/request id, if any.
	RequestID string `json:"request_id,omitempty"`

	// Citations lists source URLs for providers that return them
	// (currently Perplexity).
	Citations []string `json:"citations,omitempty"`

	// Metadata contains provider-specific response data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single frame in a streaming response.
type StreamChunk struct {
	// Type identifies the chunk type: "delta", "meta", or "done".
	Type string `json:"type"`

	// Delta is the incremental text content for "delta" chunks.
	Delta string `json:"delta,omitempty"`

	// TTFBMs is time-to-first-byte in milliseconds, set on "meta" chunks.
	TTFBMs float64 `json:"ttft_ms,omitempty"`

	// FinishReason is set on the final "done" chunk.
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage is set on "meta" or "done" chunks when the provider reports it.
	Usage *UsageStats `json:"usage,omitempty"`
}

// Stream chunk types.
const (
	ChunkTypeDelta = "delta"
	ChunkTypeMeta  = "meta"
	ChunkTypeDone  = "done"
)

// StreamHandler is a callback function for processing streaming chunks.
// Return an error to abort the stream.
type StreamHandler func(chunk StreamChunk) error

// HealthStatus represents the health state of a provider.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheckResult contains detailed health check information.
type HealthCheckResult struct {
	Status              HealthStatus  `json:"status"`
	Latency             time.Duration `json:"latency"`
	Message             string        `json:"message,omitempty"`
	LastChecked         time.Time     `json:"last_checked"`
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty"`
}

// Capability represents a specific feature supported by a provider.
type Capability string

// Standard capabilities that providers may support.
const (
	CapabilityChat           Capability = "chat"
	CapabilityStreaming      Capability = "streaming"
	CapabilityWebSearch      Capability = "web_search"
	CapabilityCodeGeneration Capability = "code_generation"
	CapabilityLongContext    Capability = "long_context"
)

// ProviderInfo contains metadata about a registered provider.
type ProviderInfo struct {
	Name            string            `json:"name"`
	Type            ProviderType      `json:"type"`
	Capabilities    []Capability      `json:"capabilities"`
	DefaultModel    string            `json:"default_model"`
	SupportedModels []string          `json:"supported_models,omitempty"`
	Health          HealthCheckResult `json:"health"`
}

// ProviderError represents an error from an LLM provider.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeAuth           = "authentication_error"
	ErrCodeMissingAPIKey  = "missing_api_key"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeModelNotFound  = "model_not_found"
	ErrCodeContextLength  = "context_length_exceeded"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
)

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// ErrorCodeFromStatus maps an HTTP status code to a provider error code.
func ErrorCodeFromStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrCodeAuth
	case status == 404:
		return ErrCodeModelNotFound
	case status == 429:
		return ErrCodeRateLimit
	case status >= 500:
		return ErrCodeServerError
	case status >= 400:
		return ErrCodeInvalidRequest
	default:
		return ErrCodeServerError
	}
}
