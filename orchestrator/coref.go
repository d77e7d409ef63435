// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Referent records one resolved pronoun substitution.
type Referent struct {
	Pronoun    string `json:"pronoun"`
	ResolvedTo string `json:"resolved_to"`
}

// Disambiguation asks the user to pick between candidate referents.
type Disambiguation struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// RewriteResult is the outcome of coreference resolution on one message.
type RewriteResult struct {
	Rewritten      string          `json:"rewritten"`
	Ambiguous      bool            `json:"ambiguous"`
	Referents      []Referent      `json:"referents"`
	Disambiguation *Disambiguation `json:"disambiguation,omitempty"`
}

// maxDisambiguationOptions bounds the named choices offered to the user;
// a literal "Other" is always appended.
const maxDisambiguationOptions = 3

// pronounPattern is one recognizable referring phrase. Multi-word patterns
// carry an expected entity type; bare pronouns accept any type.
type pronounPattern struct {
	re           *regexp.Regexp
	expectedType string
}

// typedPhraseTypes are the entity types recognizable inside "that X" / "the
// X" phrases.
var typedPhraseTypes = []string{
	"university", "college", "school",
	"company", "organization", "startup",
	"city", "country", "place",
	"person", "author", "professor",
	"product", "tool", "library", "framework", "language",
	"paper", "book", "article",
}

// pronounPatterns are checked in order: multi-word typed phrases first,
// bare pronouns last, so "that university" is never consumed as a bare
// "that".
var pronounPatterns = buildPronounPatterns()

func buildPronounPatterns() []pronounPattern {
	patterns := make([]pronounPattern, 0, len(typedPhraseTypes)+6)
	for _, entityType := range typedPhraseTypes {
		patterns = append(patterns, pronounPattern{
			re:           regexp.MustCompile(`(?i)\b(?:that|this|the same|the)\s+` + entityType + `\b`),
			expectedType: entityType,
		})
	}
	for _, pronoun := range []string{"it", "they", "them", "he", "she", "that one", "this one"} {
		patterns = append(patterns, pronounPattern{
			re: regexp.MustCompile(`(?i)\b` + pronoun + `\b`),
		})
	}
	return patterns
}

// typeSynonyms folds related type labels together so "that school" can
// resolve a university entity.
var typeSynonyms = map[string][]string{
	"university": {"college", "school"},
	"company":    {"organization", "startup"},
	"city":       {"place", "country"},
	"person":     {"author", "professor"},
	"product":    {"tool", "library", "framework", "language"},
	"paper":      {"book", "article"},
}

// QueryRewriter resolves pronouns and vague references in a user message
// against recently mentioned entities.
type QueryRewriter struct{}

// NewQueryRewriter creates a rewriter.
func NewQueryRewriter() *QueryRewriter {
	return &QueryRewriter{}
}

// Rewrite scans the message for referring phrases and substitutes resolved
// entities. Matches are processed left-to-right by position; each resolved
// substitution is a single first-occurrence replace, so a repeated
// identical pronoun later in the message is not independently re-resolved.
// Zero candidates leave a phrase untouched; two or more equally plausible
// candidates mark the whole rewrite ambiguous with a disambiguation
// question listing up to three names plus "Other".
func (r *QueryRewriter) Rewrite(message string, topics []Entity) RewriteResult {
	result := RewriteResult{Rewritten: strings.TrimSpace(message)}
	if len(topics) == 0 {
		return result
	}

	type match struct {
		text         string
		pos          int
		expectedType string
	}
	var matches []match
	claimed := make([]bool, len(message))

	for _, pattern := range pronounPatterns {
		for _, loc := range pattern.re.FindAllStringIndex(message, -1) {
			if claimed[loc[0]] {
				continue
			}
			for i := loc[0]; i < loc[1]; i++ {
				claimed[i] = true
			}
			matches = append(matches, match{
				text:         message[loc[0]:loc[1]],
				pos:          loc[0],
				expectedType: pattern.expectedType,
			})
		}
	}
	if len(matches) == 0 {
		return result
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })

	resolved := make(map[string]bool)
	for _, m := range matches {
		// A repeated identical pronoun is resolved once; later
		// occurrences in the same message keep their surface form.
		if resolved[strings.ToLower(m.text)] {
			continue
		}
		candidates := filterCandidates(topics, m.expectedType)
		switch len(candidates) {
		case 0:
			// No usable referent; leave the phrase as written.
		case 1:
			name := candidates[0].Name
			result.Rewritten = strings.Replace(result.Rewritten, m.text, name, 1)
			result.Referents = append(result.Referents, Referent{Pronoun: m.text, ResolvedTo: name})
			resolved[strings.ToLower(m.text)] = true
		default:
			result.Ambiguous = true
			options := make([]string, 0, maxDisambiguationOptions+1)
			for i, c := range candidates {
				if i >= maxDisambiguationOptions {
					break
				}
				options = append(options, c.Name)
			}
			options = append(options, "Other")
			result.Disambiguation = &Disambiguation{
				Question: fmt.Sprintf("Which one do you mean by %q?", m.text),
				Options:  options,
			}
			return result
		}
	}
	return result
}

// filterCandidates keeps entities compatible with the expected type.
// An empty expected type accepts everything. Topics arrive most recently
// mentioned first and that order is preserved.
func filterCandidates(topics []Entity, expectedType string) []Entity {
	if expectedType == "" {
		return topics
	}
	var out []Entity
	for _, entity := range topics {
		if typeMatches(entity.Type, expectedType) {
			out = append(out, entity)
		}
	}
	return out
}

func typeMatches(entityType, expected string) bool {
	entityType = strings.ToLower(entityType)
	expected = strings.ToLower(expected)
	if entityType == expected {
		return true
	}
	for canonical, synonyms := range typeSynonyms {
		inGroup := func(t string) bool {
			if t == canonical {
				return true
			}
			for _, s := range synonyms {
				if t == s {
					return true
				}
			}
			return false
		}
		if inGroup(entityType) && inGroup(expected) {
			return true
		}
	}
	return false
}

// Entity extraction: capitalized word runs plus type guessing from the
// surface form. Best effort; feeds the entity store from conversation
// turns.

var capitalizedRunPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]+(?:\s+(?:of|the|and)?\s*[A-Z][a-zA-Z]+)*\b`)

var entityTypeHints = map[string]string{
	"university": "university", "college": "university", "institute": "university",
	"inc": "company", "corp": "company", "labs": "company", "technologies": "company",
}

// ExtractEntities pulls likely named entities from text. Single common
// sentence-leading words are skipped; multi-word capitalized runs and
// words with type hints are kept.
func ExtractEntities(text string) []Entity {
	matches := capitalizedRunPattern.FindAllStringIndex(text, -1)
	var out []Entity
	seen := make(map[string]bool)

	for _, loc := range matches {
		name := strings.TrimSpace(text[loc[0]:loc[1]])
		// Sentence-leading single words are too noisy to keep.
		if !strings.Contains(name, " ") && (loc[0] == 0 || text[loc[0]-1] == '.' || text[loc[0]-1] == '\n') {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Entity{
			Name: name,
			Type: guessEntityType(key),
		})
	}
	return out
}

func guessEntityType(lowerName string) string {
	for hint, entityType := range entityTypeHints {
		if strings.Contains(lowerName, hint) {
			return entityType
		}
	}
	return "unknown"
}
