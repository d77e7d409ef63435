// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// InsightType categorizes an extracted insight.
type InsightType string

const (
	InsightFact          InsightType = "fact"
	InsightHypothesis    InsightType = "hypothesis"
	InsightTask          InsightType = "task"
	InsightContradiction InsightType = "contradiction"
	InsightWarning       InsightType = "warning"
	InsightPattern       InsightType = "pattern"
	InsightDependency    InsightType = "dependency"
	InsightMetric        InsightType = "metric"
)

// Insight is a single extracted fact/claim/warning held in the lattice.
type Insight struct {
	ID              string       `json:"id"`
	Content         string       `json:"content"`
	InsightType     InsightType  `json:"insight_type"`
	SourceModel     string       `json:"source_model"`
	Confidence      float64      `json:"confidence"`
	IntentTypes     []IntentType `json:"intent_types,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
	RelatedInsights []string     `json:"related_insights,omitempty"`
	Contradicts     []string     `json:"contradicts,omitempty"`
	ValidationCount int          `json:"validation_count"`
}

// ContradictionStatus tracks the resolution lifecycle of a contradiction.
type ContradictionStatus string

const (
	ContradictionUnresolved    ContradictionStatus = "unresolved"
	ContradictionInvestigating ContradictionStatus = "investigating"
	ContradictionResolved      ContradictionStatus = "resolved"
)

// Contradiction records a detected conflict between two insights. It is
// never auto-deleted; only explicit resolution mutates it.
type Contradiction struct {
	ID               string              `json:"id"`
	InsightAID       string              `json:"insight_a_id"`
	InsightBID       string              `json:"insight_b_id"`
	ConflictType     string              `json:"conflict_type"`
	Severity         float64             `json:"severity"`
	ResolutionStatus ContradictionStatus `json:"resolution_status"`
	Resolution       string              `json:"resolution,omitempty"`
	DetectedBy       string              `json:"detected_by"`
	Timestamp        time.Time           `json:"timestamp"`
}

// Lattice tuning constants.
const (
	// DefaultMaxInsights caps lattice size before eviction kicks in.
	DefaultMaxInsights = 1000

	// duplicateJaccardThreshold merges near-identical insights.
	duplicateJaccardThreshold = 0.8

	// relationshipThreshold creates a bidirectional edge.
	relationshipThreshold = 0.5

	// contradictionThreshold flags a conflict.
	contradictionThreshold = 0.5

	// evictionFraction is the share of oldest insights dropped when the
	// lattice exceeds its cap.
	evictionFraction = 0.1

	// contextTopK bounds how many insights feed a context blurb.
	contextTopK = 20

	// tokenPerWord approximates tokens from whitespace-split words.
	tokenPerWord = 1.3
)

// antonymPairs drive the cross-presence contradiction heuristic: insight A
// containing the left word while insight B contains the right (or vice
// versa) contributes to the contradiction score.
var antonymPairs = [][2]string{
	{"not", "is"},
	{"cannot", "can"},
	{"never", "always"},
	{"impossible", "possible"},
	{"false", "true"},
	{"decrease", "increase"},
	{"slow", "fast"},
	{"insecure", "secure"},
}

// MemoryLattice holds session-scoped insights with duplicate merging,
// relationship edges, and contradiction bookkeeping. Safe for concurrent
// use; each session owns its own lattice.
type MemoryLattice struct {
	mu             sync.Mutex
	maxInsights    int
	insights       map[string]*Insight
	insertionOrder []string
	contradictions map[string]*Contradiction
	typeIndex      map[InsightType][]string
}

// NewMemoryLattice creates a lattice. maxInsights <= 0 uses the default.
func NewMemoryLattice(maxInsights int) *MemoryLattice {
	if maxInsights <= 0 {
		maxInsights = DefaultMaxInsights
	}
	return &MemoryLattice{
		maxInsights:    maxInsights,
		insights:       make(map[string]*Insight),
		contradictions: make(map[string]*Contradiction),
		typeIndex:      make(map[InsightType][]string),
	}
}

// InsightID derives a stable id from insight content.
func InsightID(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(content))))
	return hex.EncodeToString(sum[:])[:16]
}

// AddInsight inserts an insight, merging into a near-duplicate of the same
// type when word overlap exceeds the duplicate threshold. Returns the id
// the content now lives under (the existing id on merge).
func (m *MemoryLattice) AddInsight(insight Insight) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if insight.ID == "" {
		insight.ID = InsightID(insight.Content)
	}
	if insight.Timestamp.IsZero() {
		insight.Timestamp = time.Now()
	}

	words := wordSet(insight.Content)

	// Duplicate pass: merge into an existing insight of the same type.
	for _, id := range m.typeIndex[insight.InsightType] {
		existing := m.insights[id]
		if existing == nil {
			continue
		}
		if jaccard(words, wordSet(existing.Content)) > duplicateJaccardThreshold {
			existing.ValidationCount++
			existing.Confidence = math.Min(existing.Confidence+0.1, 1.0)
			return existing.ID
		}
	}

	if _, exists := m.insights[insight.ID]; exists {
		// Identical content hashed to an existing id; count it as
		// validation rather than re-inserting.
		existing := m.insights[insight.ID]
		existing.ValidationCount++
		existing.Confidence = math.Min(existing.Confidence+0.1, 1.0)
		return existing.ID
	}

	// Relationship and contradiction passes against every stored insight.
	for _, id := range m.insertionOrder {
		existing := m.insights[id]
		if existing == nil {
			continue
		}
		existingWords := wordSet(existing.Content)

		if m.relationshipScore(&insight, existing, words, existingWords) > relationshipThreshold {
			insight.RelatedInsights = append(insight.RelatedInsights, existing.ID)
			existing.RelatedInsights = append(existing.RelatedInsights, insight.ID)
		}

		if score := contradictionScore(insight.Content, existing.Content); score > contradictionThreshold {
			insight.Contradicts = append(insight.Contradicts, existing.ID)
			existing.Contradicts = append(existing.Contradicts, insight.ID)
			m.recordContradiction(&insight, existing, score)
		}
	}

	m.insights[insight.ID] = &insight
	m.insertionOrder = append(m.insertionOrder, insight.ID)
	m.typeIndex[insight.InsightType] = append(m.typeIndex[insight.InsightType], insight.ID)

	if len(m.insights) > m.maxInsights {
		m.evictOldest()
	}
	return insight.ID
}

func (m *MemoryLattice) relationshipScore(a, b *Insight, aWords, bWords map[string]bool) float64 {
	score := 0.3*intentOverlap(a.IntentTypes, b.IntentTypes) + jaccard(aWords, bWords) + 0.1*tagOverlap(a.Tags, b.Tags)
	if a.InsightType == b.InsightType {
		score += 0.2
	}
	return score
}

func (m *MemoryLattice) recordContradiction(a, b *Insight, score float64) {
	id := InsightID(a.ID + ":" + b.ID)
	if _, exists := m.contradictions[id]; exists {
		return
	}
	m.contradictions[id] = &Contradiction{
		ID:               id,
		InsightAID:       a.ID,
		InsightBID:       b.ID,
		ConflictType:     "semantic",
		Severity:         math.Min(score, 1.0),
		ResolutionStatus: ContradictionUnresolved,
		DetectedBy:       a.SourceModel,
		Timestamp:        time.Now(),
	}
	log.Printf("[MemoryLattice] Contradiction detected between %s and %s (severity %.2f)", a.ID, b.ID, math.Min(score, 1.0))
}

// evictOldest removes the oldest evictionFraction of insights (at least
// one), along with every index and edge reference to them.
func (m *MemoryLattice) evictOldest() {
	count := int(float64(m.maxInsights) * evictionFraction)
	if count < 1 {
		count = 1
	}
	if count > len(m.insertionOrder) {
		count = len(m.insertionOrder)
	}

	evicted := make(map[string]bool, count)
	for _, id := range m.insertionOrder[:count] {
		evicted[id] = true
		if insight := m.insights[id]; insight != nil {
			delete(m.insights, id)
		}
	}
	m.insertionOrder = m.insertionOrder[count:]

	for insightType, ids := range m.typeIndex {
		kept := ids[:0]
		for _, id := range ids {
			if !evicted[id] {
				kept = append(kept, id)
			}
		}
		m.typeIndex[insightType] = kept
	}

	for _, insight := range m.insights {
		insight.RelatedInsights = dropIDs(insight.RelatedInsights, evicted)
		insight.Contradicts = dropIDs(insight.Contradicts, evicted)
	}

	log.Printf("[MemoryLattice] Evicted %d oldest insights (capacity %d)", count, m.maxInsights)
}

// Size returns the number of stored insights.
func (m *MemoryLattice) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.insights)
}

// GetInsight returns a copy of the stored insight.
func (m *MemoryLattice) GetInsight(id string) (Insight, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	insight, ok := m.insights[id]
	if !ok {
		return Insight{}, false
	}
	return *insight, true
}

// Contradictions returns copies of all recorded contradictions, newest last.
func (m *MemoryLattice) Contradictions() []Contradiction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Contradiction, 0, len(m.contradictions))
	for _, c := range m.contradictions {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ResolveContradiction updates a contradiction's status and resolution
// text. Contradictions are never deleted, only resolved.
func (m *MemoryLattice) ResolveContradiction(id string, status ContradictionStatus, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contradictions[id]
	if !ok {
		return fmt.Errorf("contradiction %q not found", id)
	}
	switch status {
	case ContradictionUnresolved, ContradictionInvestigating, ContradictionResolved:
	default:
		return fmt.Errorf("invalid resolution status %q", status)
	}
	c.ResolutionStatus = status
	c.Resolution = resolution
	return nil
}

// GetRelevantContext ranks stored insights against the query and intent
// vector, keeps the top matches, and renders them into a context blurb
// bounded by an approximate token budget.
func (m *MemoryLattice) GetRelevantContext(query string, vector IntentVector, maxTokens int) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.insights) == 0 || maxTokens <= 0 {
		return ""
	}

	queryWords := wordSet(query)
	now := time.Now()

	type scored struct {
		insight *Insight
		score   float64
	}
	ranked := make([]scored, 0, len(m.insights))
	for _, id := range m.insertionOrder {
		insight := m.insights[id]
		if insight == nil {
			continue
		}
		overlap := jaccard(queryWords, wordSet(insight.Content))
		alignment := intentAlignment(vector, insight.IntentTypes)
		recency := recencyDecay(now.Sub(insight.Timestamp))
		score := 0.4*overlap + 0.3*alignment + 0.1*recency + 0.2*insight.Confidence
		ranked = append(ranked, scored{insight, score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > contextTopK {
		ranked = ranked[:contextTopK]
	}

	var warnings, facts, others []string
	contradicted := 0
	for _, s := range ranked {
		line := fmt.Sprintf("- %s (confidence %.2f)", s.insight.Content, s.insight.Confidence)
		switch {
		case s.insight.InsightType == InsightWarning:
			warnings = append(warnings, line)
		case len(s.insight.Contradicts) > 0:
			contradicted++
			others = append(others, line+" [contested]")
		case s.insight.InsightType == InsightFact:
			facts = append(facts, line)
		default:
			others = append(others, line)
		}
	}

	var b strings.Builder
	if len(warnings) > 0 {
		b.WriteString("Warnings:\n")
		b.WriteString(strings.Join(warnings, "\n"))
		b.WriteString("\n")
	}
	if contradicted > 0 {
		fmt.Fprintf(&b, "Note: %d insight(s) below are contested by contradicting evidence.\n", contradicted)
	}
	if len(facts) > 0 {
		b.WriteString("Key facts:\n")
		b.WriteString(strings.Join(facts, "\n"))
		b.WriteString("\n")
	}
	if len(others) > 0 {
		b.WriteString("Insights:\n")
		b.WriteString(strings.Join(others, "\n"))
		b.WriteString("\n")
	}

	return truncateToTokens(b.String(), maxTokens)
}

// truncateToTokens bounds text by an approximate token budget using a
// words-times-1.3 estimate, hard-slicing characters when over.
func truncateToTokens(text string, maxTokens int) string {
	estimate := float64(len(strings.Fields(text))) * tokenPerWord
	if estimate <= float64(maxTokens) {
		return text
	}
	// Approximate characters-per-token from the current text shape.
	ratio := float64(maxTokens) / estimate
	cut := int(float64(len(text)) * ratio)
	if cut < 0 {
		cut = 0
	}
	if cut > len(text) {
		cut = len(text)
	}
	return text[:cut]
}

func recencyDecay(age time.Duration) float64 {
	// Half-life-like decay with a one hour scale.
	hours := age.Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp2(-hours)
}

func intentAlignment(vector IntentVector, intents []IntentType) float64 {
	if len(intents) == 0 {
		return 0
	}
	var total float64
	for _, intent := range intents {
		total += vector.Needs[intent]
	}
	return clamp01(total / float64(len(intents)))
}

func intentOverlap(a, b []IntentType) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[IntentType]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	for _, t := range b {
		if set[t] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func tagOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[strings.ToLower(t)] = true
	}
	shared := 0
	for _, t := range b {
		if set[strings.ToLower(t)] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// contradictionScore combines antonym cross-presence and a negation
// heuristic with topical overlap: a conflict signal only counts when the
// two texts talk about the same thing.
func contradictionScore(a, b string) float64 {
	lowerA := strings.ToLower(a)
	lowerB := strings.ToLower(b)
	wordsA := wordSet(a)
	wordsB := wordSet(b)

	var signal float64
	for _, pair := range antonymPairs {
		if (wordsA[pair[0]] && wordsB[pair[1]]) || (wordsA[pair[1]] && wordsB[pair[0]]) {
			signal += 0.35
		}
	}

	// Negation heuristic: one text negates a phrase the other asserts.
	if strings.Contains(lowerA, "not "+firstContentWord(lowerB)) || strings.Contains(lowerB, "not "+firstContentWord(lowerA)) {
		signal += 0.3
	}
	if signal == 0 {
		return 0
	}
	return signal + 0.4*jaccard(wordsA, wordsB)
}

func firstContentWord(text string) string {
	for _, w := range strings.Fields(text) {
		if len(w) > 3 {
			return w
		}
	}
	return text
}

func wordSet(text string) map[string]bool {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if b[w] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func dropIDs(ids []string, evicted map[string]bool) []string {
	kept := ids[:0]
	for _, id := range ids {
		if !evicted[id] {
			kept = append(kept, id)
		}
	}
	return kept
}
