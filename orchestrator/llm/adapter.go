// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"time"

	"synapse/platform/orchestrator/llm/gemini"
	"synapse/platform/orchestrator/llm/moonshot"
	"synapse/platform/orchestrator/llm/openai"
	"synapse/platform/orchestrator/llm/openrouter"
	"synapse/platform/orchestrator/llm/perplexity"
)

// The adapters below lift each concrete provider package into the unified
// Provider interface. Provider packages stay self-contained with their own
// request/response types; translation happens here in one place.

// openAIAdapter wraps the openai package.
type openAIAdapter struct {
	name     string
	provider *openai.Provider
}

// NewOpenAIAdapter creates a Provider backed by the OpenAI API.
func NewOpenAIAdapter(name string, cfg openai.Config) (Provider, error) {
	p, err := openai.NewProvider(cfg)
	if err != nil {
		return nil, NewProviderError(name, ErrCodeMissingAPIKey, err.Error())
	}
	if name == "" {
		name = p.Name()
	}
	return &openAIAdapter{name: name, provider: p}, nil
}

func (a *openAIAdapter) Name() string       { return a.name }
func (a *openAIAdapter) Type() ProviderType { return ProviderTypeOpenAI }

func (a *openAIAdapter) Capabilities() []Capability {
	return []Capability{CapabilityChat, CapabilityStreaming, CapabilityCodeGeneration, CapabilityLongContext}
}

func (a *openAIAdapter) SupportsStreaming() bool { return true }

func (a *openAIAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := a.provider.Complete(ctx, openai.CompletionRequest{
		Prompt:        req.Prompt,
		SystemPrompt:  req.SystemPrompt,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Model:         req.Model,
		StopSequences: req.StopSequences,
	})
	if err != nil {
		return nil, translateError(a.name, err)
	}
	return &CompletionResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		Usage:        UsageStats(resp.Usage),
		Latency:      resp.Latency,
		FinishReason: resp.FinishReason,
		RequestID:    resp.RequestID,
	}, nil
}

func (a *openAIAdapter) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()
	first := true
	resp, err := a.provider.CompleteStream(ctx, openai.CompletionRequest{
		Prompt:        req.Prompt,
		SystemPrompt:  req.SystemPrompt,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Model:         req.Model,
		StopSequences: req.StopSequences,
		Stream:        true,
	}, func(chunk openai.StreamChunk) error {
		return forwardChunk(handler, chunk.Content, chunk.FinishReason, chunk.Done, &first, start)
	})
	if err != nil {
		return nil, translateError(a.name, err)
	}
	return &CompletionResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		Usage:        UsageStats(resp.Usage),
		Latency:      resp.Latency,
		FinishReason: resp.FinishReason,
		RequestID:    resp.RequestID,
	}, nil
}

func (a *openAIAdapter) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return healthFromFlag(a.provider.IsHealthy()), nil
}

// geminiAdapter wraps the gemini package.
type geminiAdapter struct {
	name     string
	provider *gemini.Provider
}

// NewGeminiAdapter creates a Provider backed by the Gemini API.
func NewGeminiAdapter(name string, cfg gemini.Config) (Provider, error) {
	p, err := gemini.NewProvider(cfg)
	if err != nil {
		return nil, NewProviderError(name, ErrCodeMissingAPIKey, err.Error())
	}
	if name == "" {
		name = p.Name()
	}
	return &geminiAdapter{name: name, provider: p}, nil
}

func (a *geminiAdapter) Name() string       { return a.name }
func (a *geminiAdapter) Type() ProviderType { return ProviderTypeGemini }

func (a *geminiAdapter) Capabilities() []Capability {
	return []Capability{CapabilityChat, CapabilityStreaming, CapabilityLongContext}
}

func (a *geminiAdapter) SupportsStreaming() bool { return true }

func (a *geminiAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := a.provider.Complete(ctx, gemini.CompletionRequest{
		Prompt:        req.Prompt,
		SystemPrompt:  req.SystemPrompt,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Model:         req.Model,
		StopSequences: req.StopSequences,
	})
	if err != nil {
		return nil, translateError(a.name, err)
	}
	return &CompletionResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		Usage:        UsageStats(resp.Usage),
		Latency:      resp.Latency,
		FinishReason: resp.FinishReason,
	}, nil
}

func (a *geminiAdapter) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()
	first := true
	resp, err := a.provider.CompleteStream(ctx, gemini.CompletionRequest{
		Prompt:        req.Prompt,
		SystemPrompt:  req.SystemPrompt,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Model:         req.Model,
		StopSequences: req.StopSequences,
		Stream:        true,
	}, func(chunk gemini.StreamChunk) error {
		return forwardChunk(handler, chunk.Content, chunk.FinishReason, chunk.Done, &first, start)
	})
	if err != nil {
		return nil, translateError(a.name, err)
	}
	return &CompletionResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		Usage:        UsageStats(resp.Usage),
		Latency:      resp.Latency,
		FinishReason: resp.FinishReason,
	}, nil
}

func (a *geminiAdapter) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return healthFromFlag(a.provider.IsHealthy()), nil
}

// perplexityAdapter wraps the perplexity package.
type perplexityAdapter struct {
	name     string
	provider *perplexity.Provider
}

// NewPerplexityAdapter creates a Provider backed by the Perplexity API.
func NewPerplexityAdapter(name string, cfg perplexity.Config) (Provider, error) {
	p, err := perplexity.NewProvider(cfg)
	if err != nil {
		return nil, NewProviderError(name, ErrCodeMissingAPIKey, err.Error())
	}
	if name == "" {
		name = p.Name()
	}
	return &perplexityAdapter{name: name, provider: p}, nil
}

func (a *perplexityAdapter) Name() string       { return a.name }
func (a *perplexityAdapter) Type() ProviderType { return ProviderTypePerplexity }

func (a *perplexityAdapter) Capabilities() []Capability {
	return []Capability{CapabilityChat, CapabilityStreaming, CapabilityWebSearch}
}

func (a *perplexityAdapter) SupportsStreaming() bool { return true }

func (a *perplexityAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := a.provider.Complete(ctx, perplexity.CompletionRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Model:        req.Model,
	})
	if err != nil {
		return nil, translateError(a.name, err)
	}
	return &CompletionResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		Usage:        UsageStats(resp.Usage),
		Latency:      resp.Latency,
		FinishReason: resp.FinishReason,
		RequestID:    resp.RequestID,
		Citations:    resp.Citations,
	}, nil
}

func (a *perplexityAdapter) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	start := time.Now()
	first := true
	resp, err := a.provider.CompleteStream(ctx, perplexity.CompletionRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Model:        req.Model,
		Stream:       true,
	}, func(chunk perplexity.StreamChunk) error {
		return forwardChunk(handler, chunk.Content, chunk.FinishReason, chunk.Done, &first, start)
	})
	if err != nil {
		return nil, translateError(a.name, err)
	}
	return &CompletionResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		Usage:        UsageStats(resp.Usage),
		Latency:      resp.Latency,
		FinishReason: resp.FinishReason,
		RequestID:    resp.RequestID,
		Citations:    resp.Citations,
	}, nil
}

func (a *perplexityAdapter) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return healthFromFlag(a.provider.IsHealthy()), nil
}

// moonshotAdapter wraps the moonshot package.
type moonshotAdapter struct {
	name     string
	provider *moonshot.Provider
}

// NewMoonshotAdapter creates a Provider backed by the Moonshot (Kimi) API.
func NewMoonshotAdapter(name string, cfg moonshot.Config) (Provider, error) {
	p, err := moonshot.NewProvider(cfg)
	if err != nil {
		return nil, NewProviderError(name, ErrCodeMissingAPIKey, err.Error())
	}
	if name == "" {
		name = p.Name()
	}
	return &moonshotAdapter{name: name, provider: p}, nil
}

func (a *moonshotAdapter) Name() string       { return a.name }
func (a *moonshotAdapter) Type() ProviderType { return ProviderTypeMoonshot }

func (a *moonshotAdapter) Capabilities() []Capability {
	return []Capability{CapabilityChat, CapabilityLongContext}
}

func (a *moonshotAdapter) SupportsStreaming() bool { return false }

func (a *moonshotAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := a.provider.Complete(ctx, moonshot.CompletionRequest{
		Prompt:        req.Prompt,
		SystemPrompt:  req.SystemPrompt,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Model:         req.Model,
		StopSequences: req.StopSequences,
	})
	if err != nil {
		return nil, translateError(a.name, err)
	}
	return &CompletionResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		Usage:        UsageStats(resp.Usage),
		Latency:      resp.Latency,
		FinishReason: resp.FinishReason,
		RequestID:    resp.RequestID,
	}, nil
}

func (a *moonshotAdapter) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return healthFromFlag(a.provider.IsHealthy()), nil
}

// openRouterAdapter wraps the openrouter package.
type openRouterAdapter struct {
	name     string
	provider *openrouter.Provider
}

// NewOpenRouterAdapter creates a Provider backed by the OpenRouter API.
func NewOpenRouterAdapter(name string, cfg openrouter.Config) (Provider, error) {
	p, err := openrouter.NewProvider(cfg)
	if err != nil {
		return nil, NewProviderError(name, ErrCodeMissingAPIKey, err.Error())
	}
	if name == "" {
		name = p.Name()
	}
	return &openRouterAdapter{name: name, provider: p}, nil
}

func (a *openRouterAdapter) Name() string       { return a.name }
func (a *openRouterAdapter) Type() ProviderType { return ProviderTypeOpenRouter }

func (a *openRouterAdapter) Capabilities() []Capability {
	return []Capability{CapabilityChat}
}

func (a *openRouterAdapter) SupportsStreaming() bool { return false }

func (a *openRouterAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := a.provider.Complete(ctx, openrouter.CompletionRequest{
		Prompt:        req.Prompt,
		SystemPrompt:  req.SystemPrompt,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Model:         req.Model,
		StopSequences: req.StopSequences,
	})
	if err != nil {
		return nil, translateError(a.name, err)
	}
	return &CompletionResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		Usage:        UsageStats(resp.Usage),
		Latency:      resp.Latency,
		FinishReason: resp.FinishReason,
		RequestID:    resp.RequestID,
	}, nil
}

func (a *openRouterAdapter) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return healthFromFlag(a.provider.IsHealthy()), nil
}

// forwardChunk translates a concrete provider chunk into the unified
// StreamChunk vocabulary. The first delta also emits a "meta" chunk carrying
// time-to-first-byte.
func forwardChunk(handler StreamHandler, content, finishReason string, done bool, first *bool, start time.Time) error {
	if handler == nil {
		return nil
	}
	if done {
		return handler(StreamChunk{Type: ChunkTypeDone, FinishReason: finishReason})
	}
	if content == "" {
		return nil
	}
	if *first {
		*first = false
		if err := handler(StreamChunk{Type: ChunkTypeMeta, TTFBMs: float64(time.Since(start).Milliseconds())}); err != nil {
			return err
		}
	}
	return handler(StreamChunk{Type: ChunkTypeDelta, Delta: content})
}

// healthFromFlag maps a provider's internal healthy flag onto a result.
// The flag tracks the outcome of the most recent API call, so no extra
// request is spent on the check itself.
func healthFromFlag(healthy bool) *HealthCheckResult {
	status := HealthStatusHealthy
	msg := ""
	if !healthy {
		status = HealthStatusUnhealthy
		msg = "last API call failed"
	}
	return &HealthCheckResult{
		Status:      status,
		Message:     msg,
		LastChecked: time.Now(),
	}
}

// translateError normalizes provider-specific API errors into ProviderError.
func translateError(provider string, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	statusCode := 0
	message := err.Error()

	var oaErr *openai.APIError
	var gmErr *gemini.APIError
	var pxErr *perplexity.APIError
	var msErr *moonshot.APIError
	var orErr *openrouter.APIError
	switch {
	case errors.As(err, &oaErr):
		statusCode, message = oaErr.StatusCode, oaErr.Message
	case errors.As(err, &gmErr):
		statusCode, message = gmErr.StatusCode, gmErr.Message
	case errors.As(err, &pxErr):
		statusCode, message = pxErr.StatusCode, pxErr.Message
	case errors.As(err, &msErr):
		statusCode, message = msErr.StatusCode, msErr.Message
	case errors.As(err, &orErr):
		statusCode, message = orErr.StatusCode, orErr.Message
	}

	code := ErrCodeUnavailable
	if statusCode > 0 {
		code = ErrorCodeFromStatus(statusCode)
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}

	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  isRetryableCode(code),
		Cause:      err,
	}
}
