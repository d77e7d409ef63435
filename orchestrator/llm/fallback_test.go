// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ladderRegistry(t *testing.T, providers ...*stubProvider) *Registry {
	t.Helper()
	registry := NewRegistry()
	for _, p := range providers {
		require.NoError(t, registry.Register(p, ProviderConfig{Name: p.name, Enabled: true}))
	}
	return registry
}

func serverError(provider string) *ProviderError {
	return &ProviderError{Provider: provider, Code: ErrCodeServerError, Message: "upstream 500", Retryable: true}
}

func TestLadderValidation(t *testing.T) {
	registry := NewRegistry()

	_, err := NewFallbackLadder(nil, []FallbackRung{{Provider: "a"}}, 0)
	assert.Error(t, err)

	_, err = NewFallbackLadder(registry, nil, 0)
	assert.Error(t, err)

	_, err = NewFallbackLadder(registry, []FallbackRung{{Provider: ""}}, 0)
	assert.Error(t, err)

	_, err = NewFallbackLadder(registry, []FallbackRung{
		{Provider: "a", Model: "m"},
		{Provider: "a", Model: "m"},
	}, 0)
	assert.Error(t, err)
}

func TestLadderFirstRungServes(t *testing.T) {
	first := &stubProvider{name: "first"}
	second := &stubProvider{name: "second"}
	ladder, err := NewFallbackLadder(ladderRegistry(t, first, second), []FallbackRung{
		{Provider: "first"}, {Provider: "second"},
	}, time.Second)
	require.NoError(t, err)

	resp, err := ladder.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from first", resp.Content)
	assert.Equal(t, "first", resp.Metadata["provider"])
	assert.EqualValues(t, 1, first.callCount())
	assert.EqualValues(t, 0, second.callCount())
}

func TestLadderFallsThroughOnce(t *testing.T) {
	broken := &stubProvider{name: "broken", complete: func(CompletionRequest) (*CompletionResponse, error) {
		return nil, serverError("broken")
	}}
	backup := &stubProvider{name: "backup"}
	ladder, err := NewFallbackLadder(ladderRegistry(t, broken, backup), []FallbackRung{
		{Provider: "broken"}, {Provider: "backup"},
	}, time.Second)
	require.NoError(t, err)

	resp, err := ladder.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Metadata["provider"])

	// No same-rung retries: the broken rung was attempted exactly once.
	assert.EqualValues(t, 1, broken.callCount())
	assert.EqualValues(t, 1, backup.callCount())
}

func TestLadderRungModelOverridesRequest(t *testing.T) {
	var seenModel string
	provider := &stubProvider{name: "p", complete: func(req CompletionRequest) (*CompletionResponse, error) {
		seenModel = req.Model
		return &CompletionResponse{Content: "ok"}, nil
	}}
	ladder, err := NewFallbackLadder(ladderRegistry(t, provider), []FallbackRung{
		{Provider: "p", Model: "rung-model"},
	}, time.Second)
	require.NoError(t, err)

	_, err = ladder.Complete(context.Background(), CompletionRequest{Model: "request-model"})
	require.NoError(t, err)
	assert.Equal(t, "rung-model", seenModel)
}

func TestLadderExhaustionWrapsLastError(t *testing.T) {
	a := &stubProvider{name: "a", complete: func(CompletionRequest) (*CompletionResponse, error) {
		return nil, serverError("a")
	}}
	b := &stubProvider{name: "b", complete: func(CompletionRequest) (*CompletionResponse, error) {
		return nil, serverError("b")
	}}
	ladder, err := NewFallbackLadder(ladderRegistry(t, a, b), []FallbackRung{
		{Provider: "a"}, {Provider: "b"},
	}, time.Second)
	require.NoError(t, err)

	_, err = ladder.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a/default")
	assert.Contains(t, err.Error(), "b/default")

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "b", pe.Provider)
}

func TestLadderSkipsUnregisteredRung(t *testing.T) {
	backup := &stubProvider{name: "backup"}
	ladder, err := NewFallbackLadder(ladderRegistry(t, backup), []FallbackRung{
		{Provider: "ghost"}, {Provider: "backup"},
	}, time.Second)
	require.NoError(t, err)

	resp, err := ladder.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Metadata["provider"])
}

func TestLadderStreamsFromStreamingProvider(t *testing.T) {
	streamer := &stubProvider{name: "streamer", streaming: true}
	ladder, err := NewFallbackLadder(ladderRegistry(t, streamer), []FallbackRung{
		{Provider: "streamer"},
	}, time.Second)
	require.NoError(t, err)

	var chunks []StreamChunk
	_, err = ladder.CompleteStream(context.Background(), CompletionRequest{Prompt: "hi"}, func(chunk StreamChunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkTypeDelta, chunks[0].Type)
	assert.Equal(t, ChunkTypeDone, chunks[1].Type)
}

func TestLadderReplaysWholeCompletionAsChunks(t *testing.T) {
	// A non-streaming provider still delivers the chunk protocol: one
	// delta carrying the full content, then done.
	whole := &stubProvider{name: "whole", complete: func(CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{Content: "full answer", FinishReason: "stop"}, nil
	}}
	ladder, err := NewFallbackLadder(ladderRegistry(t, whole), []FallbackRung{
		{Provider: "whole"},
	}, time.Second)
	require.NoError(t, err)

	var chunks []StreamChunk
	resp, err := ladder.CompleteStream(context.Background(), CompletionRequest{Prompt: "hi"}, func(chunk StreamChunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "full answer", resp.Content)

	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkTypeDelta, chunks[0].Type)
	assert.Equal(t, "full answer", chunks[0].Delta)
	assert.Equal(t, ChunkTypeDone, chunks[1].Type)
	assert.Equal(t, "stop", chunks[1].FinishReason)
}

func TestLadderHonorsCancelledContext(t *testing.T) {
	provider := &stubProvider{name: "p"}
	ladder, err := NewFallbackLadder(ladderRegistry(t, provider), []FallbackRung{
		{Provider: "p"},
	}, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = ladder.Complete(ctx, CompletionRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, provider.callCount())
}
