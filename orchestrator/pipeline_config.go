// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"synapse/platform/orchestrator/llm"
)

// AgentRole names one stage of the prompt-chaining pipeline.
type AgentRole string

const (
	RoleAnalyst     AgentRole = "analyst"
	RoleResearcher  AgentRole = "researcher"
	RoleCreator     AgentRole = "creator"
	RoleCritic      AgentRole = "critic"
	RoleSynthesizer AgentRole = "synthesizer"
)

// StageConfig defines one pipeline stage: its role, prompt template, the
// fallback rungs it completes against, and how many parallel candidates
// to generate (anonymous mode).
type StageConfig struct {
	Name           string             `yaml:"name" json:"name"`
	Role           AgentRole          `yaml:"role" json:"role"`
	SystemPrompt   string             `yaml:"system_prompt" json:"system_prompt"`
	Rungs          []llm.FallbackRung `yaml:"rungs,omitempty" json:"rungs,omitempty"`
	CandidateCount int                `yaml:"candidate_count,omitempty" json:"candidate_count,omitempty"`
	MaxTokens      int                `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature    float64            `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// PipelineConfig parameterizes the engine: stage list, context truncation
// budget, and whether model identity is hidden from prompt text.
type PipelineConfig struct {
	Name          string        `yaml:"name" json:"name"`
	Stages        []StageConfig `yaml:"stages" json:"stages"`
	TruncateChars int           `yaml:"truncate_chars,omitempty" json:"truncate_chars,omitempty"`
	Anonymous     bool          `yaml:"anonymous,omitempty" json:"anonymous,omitempty"`

	// DefaultRungs apply to stages that declare none of their own.
	DefaultRungs []llm.FallbackRung `yaml:"default_rungs,omitempty" json:"default_rungs,omitempty"`
}

// DefaultTruncateChars bounds each prior stage's contribution to a later
// stage's prompt.
const DefaultTruncateChars = 2000

// Validate checks structural requirements on a pipeline config.
func (c *PipelineConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("pipeline config requires a name")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", c.Name)
	}
	seen := make(map[string]bool, len(c.Stages))
	for i, stage := range c.Stages {
		if stage.Name == "" {
			return fmt.Errorf("pipeline %q stage %d has no name", c.Name, i)
		}
		if seen[stage.Name] {
			return fmt.Errorf("pipeline %q has duplicate stage %q", c.Name, stage.Name)
		}
		seen[stage.Name] = true
		if stage.Role == "" {
			return fmt.Errorf("pipeline %q stage %q has no role", c.Name, stage.Name)
		}
		if len(stage.Rungs) == 0 && len(c.DefaultRungs) == 0 {
			return fmt.Errorf("pipeline %q stage %q has no rungs and no default rungs", c.Name, stage.Name)
		}
		if stage.CandidateCount < 0 {
			return fmt.Errorf("pipeline %q stage %q has negative candidate count", c.Name, stage.Name)
		}
	}
	return nil
}

// LoadPipelineConfig reads and validates a pipeline config from a YAML file.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	var config PipelineConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	if config.TruncateChars <= 0 {
		config.TruncateChars = DefaultTruncateChars
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultPipelineConfig is the standard five-agent chain. Each stage reads
// all prior stage output (truncated) and the final synthesizer's output is
// the pipeline result.
func DefaultPipelineConfig(defaultRungs []llm.FallbackRung) *PipelineConfig {
	return &PipelineConfig{
		Name:          "collaborative",
		TruncateChars: DefaultTruncateChars,
		DefaultRungs:  defaultRungs,
		Stages: []StageConfig{
			{
				Name: "analysis", Role: RoleAnalyst,
				SystemPrompt: "You are the Analyst. Break the user's request into its core questions, constraints, and unknowns. Be precise and exhaustive; do not answer the request itself.",
			},
			{
				Name: "research", Role: RoleResearcher,
				SystemPrompt: "You are the Researcher. Using the analysis provided, gather the relevant facts, prior art, and evidence that bear on the request. Cite concrete specifics where possible.",
			},
			{
				Name: "creation", Role: RoleCreator,
				SystemPrompt: "You are the Creator. Draft a complete answer to the user's request, building on the analysis and research above.",
			},
			{
				Name: "critique", Role: RoleCritic,
				SystemPrompt: "You are the Critic. Find the weaknesses, gaps, and errors in the draft above. Be specific; list each issue with the reason it matters.",
			},
			{
				Name: "synthesis", Role: RoleSynthesizer,
				SystemPrompt: "You are the Synthesizer. Produce the final answer, incorporating the draft and resolving every issue the critique raised. Output only the final answer.",
			},
		},
	}
}

// AnonymousPipelineConfig hides model identity from prompt text and has the
// synthesis stage generate three parallel candidates, score-selecting the
// best.
func AnonymousPipelineConfig(defaultRungs []llm.FallbackRung) *PipelineConfig {
	config := DefaultPipelineConfig(defaultRungs)
	config.Name = "anonymous"
	config.Anonymous = true
	for i := range config.Stages {
		if config.Stages[i].Role == RoleSynthesizer {
			config.Stages[i].CandidateCount = 3
		}
	}
	return config
}
