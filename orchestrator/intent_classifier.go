// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"regexp"
	"strings"
)

// IntentType is a coarse category of user need scored by the classifier.
type IntentType string

const (
	IntentResearch     IntentType = "research"
	IntentDebug        IntentType = "debug"
	IntentRefactor     IntentType = "refactor"
	IntentGenerate     IntentType = "generate"
	IntentCreative     IntentType = "creative"
	IntentAnalysis     IntentType = "analysis"
	IntentExplanation  IntentType = "explanation"
	IntentPlanning     IntentType = "planning"
	IntentMath         IntentType = "math"
	IntentConversation IntentType = "conversation"
)

// AllIntentTypes lists every intent category in stable order.
var AllIntentTypes = []IntentType{
	IntentResearch,
	IntentDebug,
	IntentRefactor,
	IntentGenerate,
	IntentCreative,
	IntentAnalysis,
	IntentExplanation,
	IntentPlanning,
	IntentMath,
	IntentConversation,
}

// IntentVector is the classifier's output: per-category confidences plus
// derived scalar metrics. All values lie in [0, 1].
type IntentVector struct {
	Needs             map[IntentType]float64 `json:"needs"`
	Complexity        float64                `json:"complexity"`
	Urgency           float64                `json:"urgency"`
	Creativity        float64                `json:"creativity"`
	ContextDependency float64                `json:"context_dependency"`
}

// ActiveIntents returns the intents whose confidence exceeds the threshold,
// ordered by descending confidence (ties by AllIntentTypes order).
func (v IntentVector) ActiveIntents(threshold float64) []IntentType {
	active := make([]IntentType, 0, len(v.Needs))
	for _, intent := range AllIntentTypes {
		if v.Needs[intent] > threshold {
			active = append(active, intent)
		}
	}
	// insertion sort by confidence, stable over AllIntentTypes order
	for i := 1; i < len(active); i++ {
		for j := i; j > 0 && v.Needs[active[j]] > v.Needs[active[j-1]]; j-- {
			active[j], active[j-1] = active[j-1], active[j]
		}
	}
	return active
}

// matchWeight converts a per-pattern match count into a confidence value.
const matchWeight = 0.3

// IntentClassifier scores free text against per-intent regex patterns.
// Classification is deterministic, purely in-memory, and never fails:
// unmatched text yields an all-zero needs vector.
type IntentClassifier struct {
	patterns map[IntentType][]*regexp.Regexp
}

// intentPatternSources defines the regex pattern lists per intent category.
// Patterns run against lower-cased input.
var intentPatternSources = map[IntentType][]string{
	IntentResearch: {
		`\b(research|find|search|look up|latest|current|news|study|studies)\b`,
		`\b(what is|what are|who is|where is|when did|statistics|data on)\b`,
		`\b(compare|versus|vs\.?|difference between)\b`,
	},
	IntentDebug: {
		`\b(debug|fix|error|bug|broken|crash|fail|failing|exception)\b`,
		`\b(not working|doesn't work|won't run|stack trace|traceback)\b`,
		`\b(why is|what's wrong|troubleshoot)\b`,
	},
	IntentRefactor: {
		`\b(refactor|clean up|restructure|optimi[sz]e|improve|simplify)\b`,
		`\b(rewrite|redesign|modulari[sz]e|decouple|technical debt)\b`,
	},
	IntentGenerate: {
		`\b(write|create|generate|build|implement|make|develop)\b`,
		`\b(function|class|script|program|endpoint|api|module|component)\b`,
		`\b(boilerplate|scaffold|template|snippet)\b`,
	},
	IntentCreative: {
		`\b(story|poem|creative|imagine|brainstorm|invent|fiction)\b`,
		`\b(design|artistic|novel idea|metaphor|slogan|name for)\b`,
	},
	IntentAnalysis: {
		`\b(analy[sz]e|analysis|evaluate|assess|review|examine|audit)\b`,
		`\b(pros and cons|trade-?offs?|implications|impact of)\b`,
		`\b(pattern|trend|insight|breakdown)\b`,
	},
	IntentExplanation: {
		`\b(explain|how does|how do|what does|meaning of|clarify)\b`,
		`\b(teach me|help me understand|walk me through|eli5)\b`,
	},
	IntentPlanning: {
		`\b(plan|roadmap|schedule|milestone|strategy|steps to)\b`,
		`\b(organize|prioriti[sz]e|timeline|project plan|break down)\b`,
	},
	IntentMath: {
		`\b(calculate|compute|solve|equation|formula|probability)\b`,
		`\b(math|arithmetic|algebra|calculus|statistics|derivative|integral)\b`,
		`[0-9]+\s*[\+\-\*/\^]\s*[0-9]+`,
	},
	IntentConversation: {
		`\b(hi|hello|hey|thanks|thank you|goodbye|bye)\b`,
		`\b(how are you|what do you think|your opinion|chat)\b`,
	},
}

// Boost constants for contextual rules.
const (
	codeContextBoost   = 0.2
	urgencyPerWord     = 0.35
	contextDependFloor = 0.1
)

var (
	codeContextPattern = regexp.MustCompile(`\b(code|bug|function|compile|syntax|repo|repository)\b`)
	urgentWordPattern  = regexp.MustCompile(`\b(urgent|asap|immediately|right now|quickly|emergency|critical|deadline)\b`)
	referentialPattern = regexp.MustCompile(`\b(it|that|this|those|these|them|the same|as before|previous|earlier|above)\b`)
	technicalPattern   = regexp.MustCompile(`\b(api|database|server|algorithm|architecture|async|thread|protocol|schema|deploy|kubernetes|docker|latency|cache|queue|microservice)\b`)
)

// NewIntentClassifier compiles the pattern tables once.
func NewIntentClassifier() *IntentClassifier {
	patterns := make(map[IntentType][]*regexp.Regexp, len(intentPatternSources))
	for intent, sources := range intentPatternSources {
		compiled := make([]*regexp.Regexp, 0, len(sources))
		for _, src := range sources {
			compiled = append(compiled, regexp.MustCompile(src))
		}
		patterns[intent] = compiled
	}
	return &IntentClassifier{patterns: patterns}
}

// Classify scores the input text and returns an IntentVector. The optional
// context is prior conversation text used only for the context-dependency
// metric. Classify never fails; weak input yields a low-signal vector.
func (c *IntentClassifier) Classify(text, context string) IntentVector {
	lower := strings.ToLower(text)

	needs := make(map[IntentType]float64, len(c.patterns))
	for intent, patterns := range c.patterns {
		best := 0.0
		for _, pattern := range patterns {
			matches := len(pattern.FindAllStringIndex(lower, -1))
			if matches == 0 {
				continue
			}
			confidence := float64(matches) * matchWeight
			if confidence > 1.0 {
				confidence = 1.0
			}
			if confidence > best {
				best = confidence
			}
		}
		if best > 0 {
			needs[intent] = best
		}
	}

	// Contextual boost: code-ish vocabulary lifts the developer intents.
	if codeContextPattern.MatchString(lower) {
		for _, intent := range []IntentType{IntentRefactor, IntentDebug, IntentGenerate} {
			needs[intent] = clamp01(needs[intent] + codeContextBoost)
		}
	}

	return IntentVector{
		Needs:             needs,
		Complexity:        c.complexity(lower, needs),
		Urgency:           c.urgency(lower),
		Creativity:        c.creativity(needs),
		ContextDependency: c.contextDependency(lower, context),
	}
}

// complexity blends input length, active intent breadth, and technical
// vocabulary density.
func (c *IntentClassifier) complexity(lower string, needs map[IntentType]float64) float64 {
	words := len(strings.Fields(lower))

	lengthScore := 0.0
	switch {
	case words > 100:
		lengthScore = 1.0
	case words > 50:
		lengthScore = 0.7
	case words > 20:
		lengthScore = 0.4
	case words > 8:
		lengthScore = 0.2
	}

	active := 0
	for _, conf := range needs {
		if conf > 0.3 {
			active++
		}
	}
	intentScore := clamp01(float64(active) * 0.25)

	technical := len(technicalPattern.FindAllStringIndex(lower, -1))
	technicalScore := clamp01(float64(technical) * 0.2)

	return clamp01(0.4*lengthScore + 0.3*intentScore + 0.3*technicalScore)
}

func (c *IntentClassifier) urgency(lower string) float64 {
	matches := len(urgentWordPattern.FindAllStringIndex(lower, -1))
	return clamp01(float64(matches) * urgencyPerWord)
}

// creativity is the ratio of creative-intent mass to creative+analytical
// mass, defaulting to 0.5 when neither signal is present.
func (c *IntentClassifier) creativity(needs map[IntentType]float64) float64 {
	creative := needs[IntentCreative]
	analytical := needs[IntentAnalysis] + needs[IntentMath] + needs[IntentDebug]
	if creative+analytical == 0 {
		return 0.5
	}
	return clamp01(creative / (creative + analytical))
}

func (c *IntentClassifier) contextDependency(lower, context string) float64 {
	if strings.TrimSpace(context) == "" {
		return contextDependFloor
	}
	matches := len(referentialPattern.FindAllStringIndex(lower, -1))
	if matches == 0 {
		return contextDependFloor
	}
	return clamp01(0.3 + float64(matches)*0.2)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
