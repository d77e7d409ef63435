// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"log"
	"math/rand"
	"sort"
	"sync"
)

// Router thresholds and weights.
const (
	// ConfidenceThreshold filters out weak intent signals before scoring.
	ConfidenceThreshold = 0.1

	// AssignmentThreshold is the minimum weighted intent score for a model
	// to claim an intent.
	AssignmentThreshold = 0.3

	// LongContextBonus rewards big context windows on complex queries.
	LongContextBonus          = 0.2
	longContextComplexityGate = 0.7
	longContextWindowGate     = 50000

	// DefaultRewardBlend is the weight given to observed reward history
	// when blending with the static skill score:
	//   final = (1-w)*static + w*reward
	DefaultRewardBlend = 0.3

	// DefaultExploreEpsilon disables epsilon-greedy exploration. Routing
	// stays deterministic unless a deployment opts in.
	DefaultExploreEpsilon = 0.0
)

// ModelProfile describes one routable model: its static per-intent skill
// scores (0-10), latency/accuracy-derived performance bonus, and context
// window size.
type ModelProfile struct {
	ID               string                 `json:"id"`
	Provider         string                 `json:"provider"`
	ContextWindow    int                    `json:"context_window"`
	PerformanceBonus float64                `json:"performance_bonus"`
	Skills           map[IntentType]float64 `json:"skills"`
}

// RoutingDecision is one ranked candidate from the router.
type RoutingDecision struct {
	ModelID         string       `json:"model_id"`
	Provider        string       `json:"provider"`
	Score           float64      `json:"score"`
	AssignedIntents []IntentType `json:"assigned_intents"`
}

// DefaultModelProfiles is the static skill matrix for the stock model
// lineup. Scores are hand-tuned per intent on a 0-10 scale.
var DefaultModelProfiles = []ModelProfile{
	{
		ID: "gpt-4o", Provider: "openai", ContextWindow: 128000, PerformanceBonus: 0.15,
		Skills: map[IntentType]float64{
			IntentResearch: 7.0, IntentDebug: 9.2, IntentRefactor: 9.0, IntentGenerate: 9.3,
			IntentCreative: 8.5, IntentAnalysis: 8.8, IntentExplanation: 9.0, IntentPlanning: 8.7,
			IntentMath: 8.9, IntentConversation: 9.0,
		},
	},
	{
		ID: "gemini-2.0-flash", Provider: "gemini", ContextWindow: 1000000, PerformanceBonus: 0.12,
		Skills: map[IntentType]float64{
			IntentResearch: 7.5, IntentDebug: 8.0, IntentRefactor: 7.8, IntentGenerate: 8.2,
			IntentCreative: 8.0, IntentAnalysis: 8.5, IntentExplanation: 8.6, IntentPlanning: 8.0,
			IntentMath: 8.4, IntentConversation: 8.2,
		},
	},
	{
		ID: "sonar-pro", Provider: "perplexity", ContextWindow: 200000, PerformanceBonus: 0.1,
		Skills: map[IntentType]float64{
			IntentResearch: 9.8, IntentDebug: 6.0, IntentRefactor: 5.5, IntentGenerate: 6.2,
			IntentCreative: 6.0, IntentAnalysis: 8.0, IntentExplanation: 7.8, IntentPlanning: 6.5,
			IntentMath: 6.8, IntentConversation: 7.0,
		},
	},
	{
		ID: "kimi-k2-0711-preview", Provider: "moonshot", ContextWindow: 128000, PerformanceBonus: 0.08,
		Skills: map[IntentType]float64{
			IntentResearch: 7.2, IntentDebug: 8.4, IntentRefactor: 8.2, IntentGenerate: 8.6,
			IntentCreative: 7.8, IntentAnalysis: 8.1, IntentExplanation: 8.0, IntentPlanning: 7.6,
			IntentMath: 8.5, IntentConversation: 7.9,
		},
	},
	{
		ID: "openrouter/auto", Provider: "openrouter", ContextWindow: 128000, PerformanceBonus: 0.05,
		Skills: map[IntentType]float64{
			IntentResearch: 7.0, IntentDebug: 7.5, IntentRefactor: 7.3, IntentGenerate: 7.8,
			IntentCreative: 7.5, IntentAnalysis: 7.6, IntentExplanation: 7.7, IntentPlanning: 7.2,
			IntentMath: 7.4, IntentConversation: 7.8,
		},
	},
}

// SkillRouter ranks candidate models for an intent vector using the static
// skill matrix, optionally blended with observed per-model reward history.
type SkillRouter struct {
	mu             sync.RWMutex
	rewardBlend    float64
	exploreEpsilon float64
	rewards        map[string]*rewardStats
}

type rewardStats struct {
	successes int
	attempts  int
}

// NewSkillRouter creates a router with the default reward blend weight.
func NewSkillRouter() *SkillRouter {
	return &SkillRouter{
		rewardBlend:    DefaultRewardBlend,
		exploreEpsilon: DefaultExploreEpsilon,
		rewards:        make(map[string]*rewardStats),
	}
}

// SetExploreEpsilon enables epsilon-greedy exploration: with probability
// epsilon a random qualifying model is promoted to the top of the ranking.
// Values are clamped to [0, 1]; 0 keeps routing deterministic.
func (r *SkillRouter) SetExploreEpsilon(epsilon float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exploreEpsilon = clamp01(epsilon)
}

// SetRewardBlend overrides the reward blend weight. Values are clamped to
// [0, 1]; 0 makes routing purely static.
func (r *SkillRouter) SetRewardBlend(w float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rewardBlend = clamp01(w)
}

// RecordOutcome feeds back whether a routed call succeeded, updating the
// model's reward history.
func (r *SkillRouter) RecordOutcome(modelID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.rewards[modelID]
	if !ok {
		stats = &rewardStats{}
		r.rewards[modelID] = stats
	}
	stats.attempts++
	if success {
		stats.successes++
	}
}

// blend folds the observed success rate into the static score, or returns
// the static score unchanged when no history exists.
func (r *SkillRouter) blend(modelID string, static float64) float64 {
	stats, ok := r.rewards[modelID]
	if !ok || stats.attempts == 0 {
		return static
	}
	reward := float64(stats.successes) / float64(stats.attempts)
	return (1-r.rewardBlend)*static + r.rewardBlend*reward*static
}

// Route ranks the available models against the intent vector. Models that
// claim no intent are dropped. Ties preserve the input order of
// availableModels (stable sort). An empty result means no model cleared
// the assignment threshold; callers fall back to a default model.
func (r *SkillRouter) Route(vector IntentVector, availableModels []ModelProfile, maxModels int) []RoutingDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decisions := make([]RoutingDecision, 0, len(availableModels))
	for _, model := range availableModels {
		var score float64
		var assigned []IntentType

		for _, intent := range AllIntentTypes {
			confidence := vector.Needs[intent]
			if confidence <= ConfidenceThreshold {
				continue
			}
			intentScore := confidence * (model.Skills[intent] / 10.0)
			if intentScore > AssignmentThreshold {
				assigned = append(assigned, intent)
				score += intentScore
			}
		}
		if len(assigned) == 0 {
			continue
		}

		score += model.PerformanceBonus
		if vector.Complexity > longContextComplexityGate && model.ContextWindow > longContextWindowGate {
			score += LongContextBonus
		}
		score = r.blend(model.ID, score)

		decisions = append(decisions, RoutingDecision{
			ModelID:         model.ID,
			Provider:        model.Provider,
			Score:           score,
			AssignedIntents: assigned,
		})
	}

	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].Score > decisions[j].Score
	})

	if r.exploreEpsilon > 0 && len(decisions) > 1 && rand.Float64() < r.exploreEpsilon {
		pick := 1 + rand.Intn(len(decisions)-1)
		decisions[0], decisions[pick] = decisions[pick], decisions[0]
	}

	if maxModels > 0 && len(decisions) > maxModels {
		decisions = decisions[:maxModels]
	}

	if len(decisions) == 0 {
		log.Printf("[SkillRouter] No model cleared the assignment threshold; caller must fall back")
	}
	return decisions
}

// BestModelForTask returns the available model with the highest static
// skill for a single intent. Ties keep the earlier model in input order.
func BestModelForTask(taskType IntentType, availableModels []ModelProfile) (ModelProfile, bool) {
	var best ModelProfile
	bestScore := -1.0
	for _, model := range availableModels {
		if skill := model.Skills[taskType]; skill > bestScore {
			best = model
			bestScore = skill
		}
	}
	return best, bestScore >= 0
}
