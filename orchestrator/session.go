// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"log"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultMaxSessions bounds how many sessions stay resident.
	DefaultMaxSessions = 512

	// DefaultSessionTTL evicts sessions idle longer than this.
	DefaultSessionTTL = 2 * time.Hour

	// maxRecentTurns bounds per-session conversation memory.
	maxRecentTurns = 20
)

// Turn is one user/assistant exchange kept in session memory.
type Turn struct {
	UserMessage string    `json:"user_message"`
	Response    string    `json:"response"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionState is the per-session mutable state: the memory lattice and
// recent conversation turns. Each session owns its own instance, so
// concurrent sessions never share mutable structures.
type SessionState struct {
	ID        string
	Lattice   *MemoryLattice
	CreatedAt time.Time

	mu    sync.Mutex
	turns []Turn
}

// AddTurn appends a conversation turn, trimming to the recent window.
func (s *SessionState) AddTurn(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	s.turns = append(s.turns, turn)
	if len(s.turns) > maxRecentTurns {
		s.turns = s.turns[len(s.turns)-maxRecentTurns:]
	}
}

// RecentTurns returns a copy of the session's recent turns, oldest first.
func (s *SessionState) RecentTurns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// SessionStore hands out per-session state, creating it on first access.
// Sessions are evicted by LRU capacity or idle TTL, whichever hits first.
type SessionStore struct {
	mu          sync.Mutex
	cache       *expirable.LRU[string, *SessionState]
	maxInsights int
}

// NewSessionStore creates a session store. Zero values use the defaults.
func NewSessionStore(maxSessions int, ttl time.Duration, maxInsightsPerSession int) *SessionStore {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	onEvict := func(id string, _ *SessionState) {
		log.Printf("[SessionStore] Session %s evicted", id)
	}
	return &SessionStore{
		cache:       expirable.NewLRU[string, *SessionState](maxSessions, onEvict, ttl),
		maxInsights: maxInsightsPerSession,
	}
}

// Get returns the session state for an id, creating it on first access.
func (s *SessionStore) Get(sessionID string) *SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.cache.Get(sessionID); ok {
		return state
	}
	state := &SessionState{
		ID:        sessionID,
		Lattice:   NewMemoryLattice(s.maxInsights),
		CreatedAt: time.Now(),
	}
	s.cache.Add(sessionID, state)
	return state
}

// Len returns the number of resident sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
