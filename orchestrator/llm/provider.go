// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
//
// Minimal implementation requires: Name(), Type(), Complete(), and
// HealthCheck(). Streaming is optional via StreamingProvider.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and metrics.
	Name() string

	// Type returns the provider type (e.g., "openai", "perplexity").
	Type() ProviderType

	// Complete generates a completion for the given request.
	// The context should be used for cancellation and timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck verifies the provider is operational.
	// Implementations should complete within a reasonable timeout.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)

	// Capabilities returns the list of features this provider supports.
	Capabilities() []Capability

	// SupportsStreaming indicates if the provider supports streaming responses.
	// If true, the provider should also implement StreamingProvider.
	SupportsStreaming() bool
}

// StreamingProvider extends Provider with streaming support.
// Providers that return SupportsStreaming() == true should implement this.
type StreamingProvider interface {
	Provider

	// CompleteStream generates a streaming completion.
	// The handler is called for each chunk received.
	// Returns the final aggregated response.
	CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error)
}

// ProviderConfig contains configuration for creating a provider.
type ProviderConfig struct {
	// Name is the unique identifier for this provider instance.
	Name string `json:"name"`

	// Type identifies the provider implementation to use.
	Type ProviderType `json:"type"`

	// APIKey is the authentication key for the provider API.
	APIKey string `json:"api_key,omitempty"`

	// Endpoint is the API endpoint URL. If empty, provider defaults are used.
	Endpoint string `json:"endpoint,omitempty"`

	// Model is the default model to use.
	Model string `json:"model,omitempty"`

	// Enabled indicates if this provider is available for routing.
	Enabled bool `json:"enabled"`

	// TimeoutSeconds is the request timeout (0 = default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Settings contains provider-specific configuration.
	Settings map[string]any `json:"settings,omitempty"`
}
