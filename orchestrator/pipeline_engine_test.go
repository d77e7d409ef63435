// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapse/platform/orchestrator/llm"
)

func testPipelineConfig(provider string, stages int) *PipelineConfig {
	config := DefaultPipelineConfig([]llm.FallbackRung{{Provider: provider}})
	config.Stages = config.Stages[:stages]
	return config
}

func TestPipelineRunChainsStages(t *testing.T) {
	fake := newFakeProvider("primary", nil)
	engine := NewPipelineEngine(testRegistry(fake), nil)

	config := testPipelineConfig("primary", 3)
	result, err := engine.Run(context.Background(), config, "design a cache", "turn-1")
	require.NoError(t, err)

	assert.Len(t, result.StageOutputs, 3)
	assert.Len(t, result.StageRecords, 3)
	for _, record := range result.StageRecords {
		assert.Equal(t, StageDone, record.Status)
	}
	assert.Equal(t, result.StageOutputs[2].Content, result.FinalOutput)
	assert.EqualValues(t, 3, fake.calls())
}

func TestPipelinePriorStageOutputFeedsNextPrompt(t *testing.T) {
	var prompts []string
	fake := newFakeProvider("primary", func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		prompts = append(prompts, req.Prompt)
		return &llm.CompletionResponse{Content: "MARKER-" + req.SystemPrompt[:10], Model: "fake-model"}, nil
	})
	engine := NewPipelineEngine(testRegistry(fake), nil)

	config := testPipelineConfig("primary", 2)
	_, err := engine.Run(context.Background(), config, "question", "turn-1")
	require.NoError(t, err)
	require.Len(t, prompts, 2)

	assert.NotContains(t, prompts[0], "MARKER-")
	assert.Contains(t, prompts[1], "MARKER-")
	assert.Contains(t, prompts[1], string(RoleAnalyst))
}

func TestPipelineStageErrorAbortsRun(t *testing.T) {
	calls := 0
	fake := newFakeProvider("flaky", func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		calls++
		if calls == 2 {
			return nil, &llm.ProviderError{Provider: "flaky", Code: llm.ErrCodeRateLimit, Message: "too many requests"}
		}
		return &llm.CompletionResponse{Content: "ok", Model: "fake-model"}, nil
	})
	engine := NewPipelineEngine(testRegistry(fake), nil)

	config := testPipelineConfig("flaky", 4)
	result, err := engine.Run(context.Background(), config, "q", "turn-1")
	require.Error(t, err)

	stageErr, ok := err.(*StageError)
	require.True(t, ok, "run error should be a StageError")
	assert.Contains(t, stageErr.Message, "too many requests")
	assert.NotEmpty(t, stageErr.Type)
	assert.NotEmpty(t, stageErr.Provider)

	// The failed stage is recorded and nothing after it runs.
	require.Len(t, result.StageRecords, 2)
	assert.Equal(t, StageDone, result.StageRecords[0].Status)
	assert.Equal(t, StageFailed, result.StageRecords[1].Status)
	require.NotNil(t, result.StageRecords[1].Error)
	assert.Equal(t, 2, calls)
}

func TestPipelineTruncatesPriorOutput(t *testing.T) {
	long := strings.Repeat("x", 5000)
	fake := newFakeProvider("primary", func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: long, Model: "fake-model"}, nil
	})
	var secondPrompt string
	capture := newFakeProvider("capture", func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		secondPrompt = req.Prompt
		return &llm.CompletionResponse{Content: "done", Model: "fake-model"}, nil
	})
	engine := NewPipelineEngine(testRegistry(fake, capture), nil)

	config := &PipelineConfig{
		Name:          "truncation",
		TruncateChars: 100,
		Stages: []StageConfig{
			{Name: "first", Role: RoleAnalyst, SystemPrompt: "a", Rungs: []llm.FallbackRung{{Provider: "primary"}}},
			{Name: "second", Role: RoleSynthesizer, SystemPrompt: "b", Rungs: []llm.FallbackRung{{Provider: "capture"}}},
		},
	}
	_, err := engine.Run(context.Background(), config, "q", "turn-1")
	require.NoError(t, err)

	assert.NotContains(t, secondPrompt, strings.Repeat("x", 101))
	assert.Contains(t, secondPrompt, strings.Repeat("x", 100))
}

func TestPipelineAnonymousCandidateSelection(t *testing.T) {
	calls := 0
	fake := newFakeProvider("primary", func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		calls++
		// Later candidates are richer; the scorer should prefer them.
		content := "short"
		if calls%3 == 0 {
			content = "- finding one with plenty of supporting detail here\n- finding two also detailed\n" +
				"The measured latency dropped by 42% after applying `batching` to the ingest path. " +
				strings.Repeat("Additional analysis prose. ", 40)
		}
		return &llm.CompletionResponse{Content: content, Model: "fake-model"}, nil
	})
	engine := NewPipelineEngine(testRegistry(fake), nil)

	config := &PipelineConfig{
		Name:      "anon",
		Anonymous: true,
		Stages: []StageConfig{
			{Name: "synthesis", Role: RoleSynthesizer, SystemPrompt: "s", CandidateCount: 3,
				Rungs: []llm.FallbackRung{{Provider: "primary"}}},
		},
	}
	result, err := engine.Run(context.Background(), config, "q", "turn-1")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, result.FinalOutput, "finding one")
}

func TestPipelineAnonymousLabelsHideModels(t *testing.T) {
	var lastPrompt string
	fake := newFakeProvider("primary", func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		lastPrompt = req.Prompt
		return &llm.CompletionResponse{Content: "out", Model: "secret-model-name"}, nil
	})
	engine := NewPipelineEngine(testRegistry(fake), nil)

	config := testPipelineConfig("primary", 2)
	config.Anonymous = true
	_, err := engine.Run(context.Background(), config, "q", "turn-1")
	require.NoError(t, err)

	assert.Contains(t, lastPrompt, "Agent A")
	assert.NotContains(t, lastPrompt, "secret-model-name")
}

func TestPipelineFeedsLattice(t *testing.T) {
	fake := newFakeProvider("primary", func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Content: "- the service must validate input before persisting records\n",
			Model:   "fake-model",
		}, nil
	})
	lattice := NewMemoryLattice(0)
	engine := NewPipelineEngine(testRegistry(fake), lattice)

	config := testPipelineConfig("primary", 2)
	_, err := engine.Run(context.Background(), config, "q", "turn-1")
	require.NoError(t, err)
	assert.Greater(t, lattice.Size(), 0)
}

func TestExtractThinking(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		found   bool
	}{
		{"marker present", "Thinking: weigh both options\n\nAnswer: A", "weigh both options", true},
		{"heading marker", "## Reasoning\nstep by step\n\nfinal", "step by step", true},
		{"no marker", "just an answer", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ExtractThinking(tt.content)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractKeyInsights(t *testing.T) {
	content := "intro\n- first insight that is long enough to qualify as a claim\n" +
		"- second insight that also clears the minimum length bar\n- no\n"
	insights := ExtractKeyInsights(content, 5)
	require.Len(t, insights, 2)
	assert.Contains(t, insights[0], "first insight")
}
