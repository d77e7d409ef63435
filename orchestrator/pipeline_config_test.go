// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapse/platform/orchestrator/llm"
)

func TestPipelineConfigValidate(t *testing.T) {
	rungs := []llm.FallbackRung{{Provider: "openai"}}

	tests := []struct {
		name    string
		config  PipelineConfig
		wantErr string
	}{
		{
			name:    "missing name",
			config:  PipelineConfig{Stages: []StageConfig{{Name: "s", Role: RoleAnalyst, Rungs: rungs}}},
			wantErr: "requires a name",
		},
		{
			name:    "no stages",
			config:  PipelineConfig{Name: "p"},
			wantErr: "no stages",
		},
		{
			name: "duplicate stage",
			config: PipelineConfig{Name: "p", Stages: []StageConfig{
				{Name: "s", Role: RoleAnalyst, Rungs: rungs},
				{Name: "s", Role: RoleCritic, Rungs: rungs},
			}},
			wantErr: "duplicate stage",
		},
		{
			name: "stage without rungs",
			config: PipelineConfig{Name: "p", Stages: []StageConfig{
				{Name: "s", Role: RoleAnalyst},
			}},
			wantErr: "no rungs",
		},
		{
			name: "default rungs cover stages",
			config: PipelineConfig{Name: "p", DefaultRungs: rungs, Stages: []StageConfig{
				{Name: "s", Role: RoleAnalyst},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadPipelineConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: custom
anonymous: true
default_rungs:
  - provider: openai
    model: gpt-4o-mini
stages:
  - name: draft
    role: creator
    system_prompt: "Draft an answer."
  - name: final
    role: synthesizer
    system_prompt: "Finalize."
    candidate_count: 2
`), 0o644))

	config, err := LoadPipelineConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", config.Name)
	assert.True(t, config.Anonymous)
	assert.Equal(t, DefaultTruncateChars, config.TruncateChars)
	require.Len(t, config.Stages, 2)
	assert.Equal(t, RoleSynthesizer, config.Stages[1].Role)
	assert.Equal(t, 2, config.Stages[1].CandidateCount)
	require.Len(t, config.DefaultRungs, 1)
	assert.Equal(t, "gpt-4o-mini", config.DefaultRungs[0].Model)
}

func TestLoadPipelineConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: broken\nstages: []\n"), 0o644))

	_, err := LoadPipelineConfig(path)
	assert.Error(t, err)
}

func TestDefaultPipelineConfigShape(t *testing.T) {
	config := DefaultPipelineConfig([]llm.FallbackRung{{Provider: "openai"}})
	require.NoError(t, config.Validate())
	require.Len(t, config.Stages, 5)

	roles := make([]AgentRole, 0, 5)
	for _, stage := range config.Stages {
		roles = append(roles, stage.Role)
	}
	assert.Equal(t, []AgentRole{RoleAnalyst, RoleResearcher, RoleCreator, RoleCritic, RoleSynthesizer}, roles)
	assert.False(t, config.Anonymous)
}

func TestAnonymousPipelineConfig(t *testing.T) {
	config := AnonymousPipelineConfig([]llm.FallbackRung{{Provider: "openai"}})
	require.NoError(t, config.Validate())
	assert.True(t, config.Anonymous)

	for _, stage := range config.Stages {
		if stage.Role == RoleSynthesizer {
			assert.Equal(t, 3, stage.CandidateCount)
		} else {
			assert.Zero(t, stage.CandidateCount)
		}
	}
}
