// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultRungTimeout bounds a single fallback attempt.
	DefaultRungTimeout = 90 * time.Second
)

// FallbackRung is one (provider, model) pair in a fallback ladder.
type FallbackRung struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"` // empty = provider default
}

// FallbackLadder executes completions against an ordered list of
// (provider, model) rungs, moving down the ladder when a rung fails.
// Each rung is attempted at most once per call; there are no same-rung
// retries. A rung whose error is non-retryable (auth, invalid request)
// still falls through to the next rung, since a different provider may
// accept the same request.
type FallbackLadder struct {
	registry    *Registry
	rungs       []FallbackRung
	rungTimeout time.Duration
}

// NewFallbackLadder creates a ladder over the given registry.
func NewFallbackLadder(registry *Registry, rungs []FallbackRung, rungTimeout time.Duration) (*FallbackLadder, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if len(rungs) == 0 {
		return nil, fmt.Errorf("fallback ladder requires at least one rung")
	}
	if rungTimeout <= 0 {
		rungTimeout = DefaultRungTimeout
	}
	seen := make(map[FallbackRung]bool, len(rungs))
	for _, rung := range rungs {
		if rung.Provider == "" {
			return nil, fmt.Errorf("fallback rung provider cannot be empty")
		}
		if seen[rung] {
			return nil, fmt.Errorf("duplicate fallback rung %s/%s", rung.Provider, rung.Model)
		}
		seen[rung] = true
	}
	return &FallbackLadder{
		registry:    registry,
		rungs:       rungs,
		rungTimeout: rungTimeout,
	}, nil
}

// Rungs returns a copy of the configured ladder.
func (f *FallbackLadder) Rungs() []FallbackRung {
	out := make([]FallbackRung, len(f.rungs))
	copy(out, f.rungs)
	return out
}

// Complete tries each rung in order until one succeeds. The returned
// response carries the rung that served it via Metadata["provider"].
// If every rung fails, the error lists each rung's failure.
func (f *FallbackLadder) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var failures []string
	var lastErr error

	for _, rung := range f.rungs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		provider, err := f.registry.Get(rung.Provider)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: not registered", rung.Provider))
			continue
		}

		rungReq := req
		if rung.Model != "" {
			rungReq.Model = rung.Model
		}

		rungCtx, cancel := context.WithTimeout(ctx, f.rungTimeout)
		resp, err := provider.Complete(rungCtx, rungReq)
		cancel()

		if err != nil {
			lastErr = err
			failures = append(failures, fmt.Sprintf("%s/%s: %v", rung.Provider, displayModel(rung), err))
			continue
		}

		if resp.Metadata == nil {
			resp.Metadata = make(map[string]any)
		}
		resp.Metadata["provider"] = rung.Provider
		return resp, nil
	}

	return nil, exhaustedError(failures, lastErr)
}

// CompleteStream tries each rung in order, streaming from the first rung
// whose provider supports streaming and accepts the request. Rungs on
// non-streaming providers fall back to Complete and deliver the result as
// a single delta, so callers always see the chunk protocol.
func (f *FallbackLadder) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	var failures []string
	var lastErr error

	for _, rung := range f.rungs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		provider, err := f.registry.Get(rung.Provider)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: not registered", rung.Provider))
			continue
		}

		rungReq := req
		rungReq.Stream = true
		if rung.Model != "" {
			rungReq.Model = rung.Model
		}

		rungCtx, cancel := context.WithTimeout(ctx, f.rungTimeout)
		resp, err := completeStreamOrWhole(rungCtx, provider, rungReq, handler)
		cancel()

		if err != nil {
			lastErr = err
			failures = append(failures, fmt.Sprintf("%s/%s: %v", rung.Provider, displayModel(rung), err))
			continue
		}

		if resp.Metadata == nil {
			resp.Metadata = make(map[string]any)
		}
		resp.Metadata["provider"] = rung.Provider
		return resp, nil
	}

	return nil, exhaustedError(failures, lastErr)
}

// exhaustedError reports every rung's failure while wrapping the last
// underlying error so callers can still unwrap a ProviderError.
func exhaustedError(failures []string, lastErr error) error {
	if lastErr == nil {
		return fmt.Errorf("all fallback rungs failed: %s", strings.Join(failures, "; "))
	}
	return fmt.Errorf("all fallback rungs failed (%s): %w", strings.Join(failures, "; "), lastErr)
}

// completeStreamOrWhole uses real streaming when available, otherwise
// completes whole and replays the result through the handler.
func completeStreamOrWhole(ctx context.Context, provider Provider, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	if sp, ok := provider.(StreamingProvider); ok && provider.SupportsStreaming() {
		return sp.CompleteStream(ctx, req, handler)
	}

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if handler != nil {
		if err := handler(StreamChunk{Type: ChunkTypeDelta, Delta: resp.Content}); err != nil {
			return nil, err
		}
		if err := handler(StreamChunk{Type: ChunkTypeDone, FinishReason: resp.FinishReason, Usage: &resp.Usage}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func displayModel(rung FallbackRung) string {
	if rung.Model == "" {
		return "default"
	}
	return rung.Model
}
