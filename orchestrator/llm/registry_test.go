// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider is a scriptable in-memory Provider. Streaming is gated by
// the streaming flag so the same type can exercise both ladder paths.
type stubProvider struct {
	name      string
	streaming bool
	health    HealthStatus
	healthErr error
	calls     int64

	complete func(req CompletionRequest) (*CompletionResponse, error)
	stream   func(req CompletionRequest, handler StreamHandler) (*CompletionResponse, error)
}

func (s *stubProvider) Name() string              { return s.name }
func (s *stubProvider) Type() ProviderType        { return ProviderTypeCustom }
func (s *stubProvider) SupportsStreaming() bool   { return s.streaming }
func (s *stubProvider) Capabilities() []Capability { return []Capability{CapabilityChat} }

func (s *stubProvider) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.complete != nil {
		return s.complete(req)
	}
	return &CompletionResponse{Content: "from " + s.name, Model: req.Model}, nil
}

func (s *stubProvider) CompleteStream(_ context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.stream != nil {
		return s.stream(req, handler)
	}
	if err := handler(StreamChunk{Type: ChunkTypeDelta, Delta: "from " + s.name}); err != nil {
		return nil, err
	}
	if err := handler(StreamChunk{Type: ChunkTypeDone}); err != nil {
		return nil, err
	}
	return &CompletionResponse{Content: "from " + s.name, Model: req.Model}, nil
}

func (s *stubProvider) HealthCheck(context.Context) (*HealthCheckResult, error) {
	if s.healthErr != nil {
		return nil, s.healthErr
	}
	status := s.health
	if status == "" {
		status = HealthStatusHealthy
	}
	return &HealthCheckResult{Status: status}, nil
}

func (s *stubProvider) callCount() int64 {
	return atomic.LoadInt64(&s.calls)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	provider := &stubProvider{name: "alpha"}

	require.NoError(t, registry.Register(provider, ProviderConfig{Name: "alpha", Enabled: true}))

	got, err := registry.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, provider, got)

	_, err = registry.Get("missing")
	assert.Error(t, err)
}

func TestRegistryRejectsNilAndUnnamed(t *testing.T) {
	registry := NewRegistry()
	assert.Error(t, registry.Register(nil, ProviderConfig{Name: "x"}))
	assert.Error(t, registry.Register(&stubProvider{}, ProviderConfig{}))
}

func TestRegistryUnregister(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubProvider{name: "alpha"}, ProviderConfig{Name: "alpha"}))

	require.NoError(t, registry.Unregister("alpha"))
	_, err := registry.Get("alpha")
	assert.Error(t, err)

	assert.Error(t, registry.Unregister("alpha"))
}

func TestRegistryListEnabled(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubProvider{name: "on"}, ProviderConfig{Name: "on", Enabled: true}))
	require.NoError(t, registry.Register(&stubProvider{name: "off"}, ProviderConfig{Name: "off"}))

	assert.Equal(t, []string{"off", "on"}, registry.List())
	assert.Equal(t, []string{"on"}, registry.ListEnabled())
}

func TestHealthyProvidersIncludeUnchecked(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubProvider{name: "fresh"}, ProviderConfig{Name: "fresh", Enabled: true}))

	// Never checked means unknown, which still routes.
	assert.Equal(t, []string{"fresh"}, registry.GetHealthyProviders())
}

func TestRunHealthChecksTracksConsecutiveFailures(t *testing.T) {
	registry := NewRegistry()
	sick := &stubProvider{name: "sick", healthErr: fmt.Errorf("connection refused")}
	require.NoError(t, registry.Register(sick, ProviderConfig{Name: "sick", Enabled: true}))

	registry.RunHealthChecks(context.Background())
	registry.RunHealthChecks(context.Background())

	result := registry.GetHealthResult("sick")
	require.NotNil(t, result)
	assert.Equal(t, HealthStatusUnhealthy, result.Status)
	assert.Equal(t, 2, result.ConsecutiveFailures)
	assert.Contains(t, result.Message, "connection refused")

	assert.Empty(t, registry.GetHealthyProviders())
}

func TestRunHealthChecksRecovery(t *testing.T) {
	registry := NewRegistry()
	provider := &stubProvider{name: "p", healthErr: fmt.Errorf("boom")}
	require.NoError(t, registry.Register(provider, ProviderConfig{Name: "p", Enabled: true}))

	registry.RunHealthChecks(context.Background())
	require.Equal(t, HealthStatusUnhealthy, registry.GetHealthResult("p").Status)

	provider.healthErr = nil
	registry.RunHealthChecks(context.Background())

	result := registry.GetHealthResult("p")
	assert.Equal(t, HealthStatusHealthy, result.Status)
	assert.Equal(t, []string{"p"}, registry.GetHealthyProviders())
}
