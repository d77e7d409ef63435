// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"synapse/platform/orchestrator/llm"
)

// fakeProvider is a scriptable llm.Provider for tests.
type fakeProvider struct {
	name      string
	respond   func(req llm.CompletionRequest) (*llm.CompletionResponse, error)
	callCount int64
}

func newFakeProvider(name string, respond func(req llm.CompletionRequest) (*llm.CompletionResponse, error)) *fakeProvider {
	if respond == nil {
		respond = func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{
				Content: "response to: " + req.Prompt,
				Model:   "fake-model",
			}, nil
		}
	}
	return &fakeProvider{name: name, respond: respond}
}

func (f *fakeProvider) Name() string                 { return f.name }
func (f *fakeProvider) Type() llm.ProviderType       { return llm.ProviderTypeCustom }
func (f *fakeProvider) SupportsStreaming() bool      { return false }
func (f *fakeProvider) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityChat}
}

func (f *fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	atomic.AddInt64(&f.callCount, 1)
	return f.respond(req)
}

func (f *fakeProvider) HealthCheck(context.Context) (*llm.HealthCheckResult, error) {
	return &llm.HealthCheckResult{Status: llm.HealthStatusHealthy}, nil
}

func (f *fakeProvider) calls() int64 {
	return atomic.LoadInt64(&f.callCount)
}

// failingResponder always errors with a provider-tagged failure.
func failingResponder(provider string) func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, &llm.ProviderError{
			Provider: provider,
			Code:     llm.ErrCodeServerError,
			Message:  "simulated provider outage",
		}
	}
}

// testRegistry registers the given fakes, all enabled.
func testRegistry(providers ...*fakeProvider) *llm.Registry {
	registry := llm.NewRegistry()
	for _, p := range providers {
		if err := registry.Register(p, llm.ProviderConfig{Name: p.name, Enabled: true}); err != nil {
			panic(fmt.Sprintf("failed to register fake provider: %v", err))
		}
	}
	return registry
}
