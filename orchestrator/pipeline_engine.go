// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"synapse/platform/orchestrator/llm"
)

// StageStatus tracks a pipeline stage's lifecycle.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageDone    StageStatus = "done"
	StageFailed  StageStatus = "error"
)

// StageError is the error payload recorded on a failed stage.
type StageError struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Provider string `json:"provider"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage error from %s (%s): %s", e.Provider, e.Type, e.Message)
}

// AgentOutput is one stage's contribution to a pipeline run.
type AgentOutput struct {
	Role      AgentRole `json:"role"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	Thinking  string    `json:"thinking_process,omitempty"`
	Insights  []string  `json:"key_insights,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	TurnID    string    `json:"turn_id"`
	LatencyMs float64   `json:"latency_ms"`
}

// StageRecord captures a stage's final state for persistence.
type StageRecord struct {
	Name      string       `json:"name"`
	Role      AgentRole    `json:"role"`
	Status    StageStatus  `json:"status"`
	Output    *AgentOutput `json:"output,omitempty"`
	Error     *StageError  `json:"error,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
}

// PipelineResult is the outcome of a full pipeline run.
type PipelineResult struct {
	FinalOutput  string        `json:"final_output"`
	StageOutputs []AgentOutput `json:"stage_outputs"`
	StageRecords []StageRecord `json:"stage_records"`
	TotalTimeMs  float64       `json:"total_time_ms"`
}

// PipelineEngine executes a configured stage chain against the provider
// registry. Stages run strictly sequentially; each stage's prompt carries
// all prior stage output truncated to the config's character budget. The
// engine itself never writes to storage.
type PipelineEngine struct {
	registry *llm.Registry
	lattice  *MemoryLattice
	logger   func(format string, args ...any)
}

// NewPipelineEngine creates an engine. The lattice is optional; when
// present, stage insights feed it and later stages receive compressed
// context from it.
func NewPipelineEngine(registry *llm.Registry, lattice *MemoryLattice) *PipelineEngine {
	return &PipelineEngine{
		registry: registry,
		lattice:  lattice,
		logger:   log.Printf,
	}
}

// Run executes every stage of the config in order. A stage failure aborts
// the run: the failed stage's record carries the error payload and no
// further stages execute.
func (e *PipelineEngine) Run(ctx context.Context, config *PipelineConfig, query, turnID string) (*PipelineResult, error) {
	return e.run(ctx, config, query, turnID, nil)
}

// RunStream executes the pipeline like Run but streams the final stage's
// output through the handler. Non-final stages complete whole.
func (e *PipelineEngine) RunStream(ctx context.Context, config *PipelineConfig, query, turnID string, handler llm.StreamHandler) (*PipelineResult, error) {
	return e.run(ctx, config, query, turnID, handler)
}

func (e *PipelineEngine) run(ctx context.Context, config *PipelineConfig, query, turnID string, finalHandler llm.StreamHandler) (*PipelineResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	result := &PipelineResult{
		StageOutputs: make([]AgentOutput, 0, len(config.Stages)),
		StageRecords: make([]StageRecord, 0, len(config.Stages)),
	}

	truncate := config.TruncateChars
	if truncate <= 0 {
		truncate = DefaultTruncateChars
	}

	for i, stage := range config.Stages {
		record := StageRecord{
			Name:      stage.Name,
			Role:      stage.Role,
			Status:    StageRunning,
			StartedAt: time.Now(),
		}
		e.logger("[PipelineEngine] Stage %d/%d %q starting (turn %s)", i+1, len(config.Stages), stage.Name, turnID)

		prompt := e.buildStagePrompt(config, stage, query, result.StageOutputs, truncate)
		isFinal := i == len(config.Stages)-1

		var handler llm.StreamHandler
		if isFinal && finalHandler != nil {
			handler = finalHandler
		}

		output, stageErr := e.executeStage(ctx, config, stage, prompt, turnID, handler)
		record.EndedAt = time.Now()
		if stageErr != nil {
			record.Status = StageFailed
			record.Error = stageErr
			result.StageRecords = append(result.StageRecords, record)
			result.TotalTimeMs = float64(time.Since(start).Milliseconds())
			e.logger("[PipelineEngine] Stage %q failed: %s", stage.Name, stageErr.Message)
			return result, stageErr
		}

		record.Status = StageDone
		record.Output = output
		result.StageRecords = append(result.StageRecords, record)
		result.StageOutputs = append(result.StageOutputs, *output)

		if e.lattice != nil {
			for _, insight := range output.Insights {
				e.lattice.AddInsight(Insight{
					Content:     insight,
					InsightType: insightTypeForRole(stage.Role),
					SourceModel: output.Model,
					Confidence:  0.6,
				})
			}
		}
	}

	if n := len(result.StageOutputs); n > 0 {
		result.FinalOutput = result.StageOutputs[n-1].Content
	}
	result.TotalTimeMs = float64(time.Since(start).Milliseconds())
	e.logger("[PipelineEngine] Run complete in %.0fms (%d stages, turn %s)", result.TotalTimeMs, len(result.StageOutputs), turnID)
	return result, nil
}

// executeStage completes one stage, fanning out to parallel candidates
// when the stage requests them.
func (e *PipelineEngine) executeStage(ctx context.Context, config *PipelineConfig, stage StageConfig, prompt, turnID string, handler llm.StreamHandler) (*AgentOutput, *StageError) {
	rungs := stage.Rungs
	if len(rungs) == 0 {
		rungs = config.DefaultRungs
	}
	ladder, err := llm.NewFallbackLadder(e.registry, rungs, 0)
	if err != nil {
		return nil, &StageError{Message: err.Error(), Type: "config_error", Provider: ""}
	}

	req := llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: stage.SystemPrompt,
		MaxTokens:    stage.MaxTokens,
		Temperature:  stage.Temperature,
	}

	if stage.CandidateCount > 1 {
		return e.executeCandidates(ctx, ladder, stage, req, prompt, turnID)
	}

	start := time.Now()
	var resp *llm.CompletionResponse
	if handler != nil {
		resp, err = ladder.CompleteStream(ctx, req, handler)
	} else {
		resp, err = ladder.Complete(ctx, req)
	}
	if err != nil {
		return nil, stageErrorFrom(err)
	}
	return e.buildOutput(stage, resp, turnID, time.Since(start)), nil
}

// executeCandidates fans out N parallel completions and score-selects the
// best by the heuristic quality blend. All candidates must be awaited;
// individual failures are tolerated as long as at least one succeeds.
func (e *PipelineEngine) executeCandidates(ctx context.Context, ladder *llm.FallbackLadder, stage StageConfig, req llm.CompletionRequest, prompt, turnID string) (*AgentOutput, *StageError) {
	type candidate struct {
		resp *llm.CompletionResponse
		err  error
		dur  time.Duration
	}
	candidates := make([]candidate, stage.CandidateCount)

	var wg sync.WaitGroup
	for i := 0; i < stage.CandidateCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			start := time.Now()
			resp, err := ladder.Complete(ctx, req)
			candidates[idx] = candidate{resp: resp, err: err, dur: time.Since(start)}
		}(i)
	}
	wg.Wait()

	bestIdx := -1
	bestScore := -1.0
	var lastErr error
	for i, c := range candidates {
		if c.err != nil {
			lastErr = c.err
			continue
		}
		score := scoreCandidate(c.resp.Content, prompt)
		e.logger("[PipelineEngine] Candidate %d scored %.3f for stage %q", i+1, score, stage.Name)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil, stageErrorFrom(lastErr)
	}
	best := candidates[bestIdx]
	return e.buildOutput(stage, best.resp, turnID, best.dur), nil
}

func (e *PipelineEngine) buildOutput(stage StageConfig, resp *llm.CompletionResponse, turnID string, dur time.Duration) *AgentOutput {
	provider, _ := resp.Metadata["provider"].(string)
	thinking, _ := ExtractThinking(resp.Content)
	return &AgentOutput{
		Role:      stage.Role,
		Provider:  provider,
		Model:     resp.Model,
		Content:   resp.Content,
		Thinking:  thinking,
		Insights:  ExtractKeyInsights(resp.Content, 5),
		Timestamp: time.Now(),
		TurnID:    turnID,
		LatencyMs: float64(dur.Milliseconds()),
	}
}

// buildStagePrompt assembles the user prompt: the original query, prior
// stage output (each truncated), and optional lattice context. Anonymous
// configs label contributors generically instead of naming models.
func (e *PipelineEngine) buildStagePrompt(config *PipelineConfig, stage StageConfig, query string, prior []AgentOutput, truncate int) string {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(query)
	b.WriteString("\n")

	if e.lattice != nil && len(prior) > 0 {
		if context := e.lattice.GetRelevantContext(query, IntentVector{}, 400); context != "" {
			b.WriteString("\nAccumulated context:\n")
			b.WriteString(context)
			b.WriteString("\n")
		}
	}

	for i, output := range prior {
		label := fmt.Sprintf("%s (%s)", output.Role, output.Model)
		if config.Anonymous {
			label = fmt.Sprintf("Agent %c", 'A'+i)
		}
		content := output.Content
		if len(content) > truncate {
			content = content[:truncate]
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", label, content)
	}
	return b.String()
}

func stageErrorFrom(err error) *StageError {
	if err == nil {
		return &StageError{Message: "unknown stage failure", Type: "unknown"}
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return &StageError{Message: pe.Message, Type: pe.Code, Provider: pe.Provider}
	}
	return &StageError{Message: err.Error(), Type: "provider_error"}
}

func insightTypeForRole(role AgentRole) InsightType {
	switch role {
	case RoleCritic:
		return InsightWarning
	case RoleResearcher:
		return InsightFact
	case RoleAnalyst:
		return InsightPattern
	default:
		return InsightHypothesis
	}
}

// Candidate scoring: a weighted blend of four sub-scores over the
// candidate text. Each sub-score lies in [0, 1].
const (
	candidateLengthWeight      = 0.2
	candidateStructureWeight   = 0.25
	candidateCoverageWeight    = 0.3
	candidateSpecificityWeight = 0.25
)

var (
	structurePattern   = regexp.MustCompile(`(?m)^(\s*[-*]|\s*\d+\.|#{1,4}\s)`)
	specificityPattern = regexp.MustCompile(`\b\d+(\.\d+)?%?\b|\x60[^\x60]+\x60`)
)

// scoreCandidate rates a candidate answer: length adequacy, structural
// formatting, coverage of the prompt's vocabulary, and specificity
// (numbers, code spans).
func scoreCandidate(content, prompt string) float64 {
	words := len(strings.Fields(content))
	lengthScore := clamp01(float64(words) / 300.0)

	structureScore := clamp01(float64(len(structurePattern.FindAllString(content, -1))) / 5.0)

	coverageScore := jaccard(wordSet(content), wordSet(prompt))
	if coverageScore > 0.5 {
		// Heavy overlap usually means the candidate parrots the prompt.
		coverageScore = 1.0 - coverageScore
	} else {
		coverageScore = clamp01(coverageScore * 2.5)
	}

	specificityScore := clamp01(float64(len(specificityPattern.FindAllString(content, -1))) / 8.0)

	return candidateLengthWeight*lengthScore +
		candidateStructureWeight*structureScore +
		candidateCoverageWeight*coverageScore +
		candidateSpecificityWeight*specificityScore
}

var thinkingMarkers = []string{"Thinking:", "Reasoning:", "## Thinking", "## Reasoning"}

// ExtractThinking pulls an explicit thinking/reasoning section out of stage
// output. Best-effort text parsing: the second return is false when no
// marker is present, and callers must not treat absence as an error.
func ExtractThinking(content string) (string, bool) {
	for _, marker := range thinkingMarkers {
		idx := strings.Index(content, marker)
		if idx < 0 {
			continue
		}
		section := content[idx+len(marker):]
		// The section ends at the next blank line pair or the end of text.
		if end := strings.Index(section, "\n\n"); end >= 0 {
			section = section[:end]
		}
		return strings.TrimSpace(section), true
	}
	return "", false
}

var insightLinePattern = regexp.MustCompile(`(?m)^\s*[-*]\s+(.{20,200})$`)

// ExtractKeyInsights pulls up to max bullet-point claims from stage output.
func ExtractKeyInsights(content string, max int) []string {
	matches := insightLinePattern.FindAllStringSubmatch(content, -1)
	insights := make([]string, 0, max)
	for _, m := range matches {
		insights = append(insights, strings.TrimSpace(m[1]))
		if len(insights) >= max {
			break
		}
	}
	return insights
}
