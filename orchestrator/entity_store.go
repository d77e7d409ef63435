// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Entity is a named thing mentioned in a conversation, tracked per thread
// for coreference resolution.
type Entity struct {
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	FirstMentioned time.Time `json:"first_mentioned"`
	LastMentioned  time.Time `json:"last_mentioned"`
	MentionCount   int       `json:"mention_count"`
	Context        string    `json:"context,omitempty"`
	Aliases        []string  `json:"aliases,omitempty"`
}

// EntityWindow is how far back mentions remain usable as referents.
const EntityWindow = 72 * time.Hour

// EntityStore tracks entity mentions per conversation thread. Mentions of
// an already-known entity merge into it (mention count increments, last
// mentioned advances); entities age out of the recency window rather than
// being deleted explicitly.
type EntityStore interface {
	// RecordMention records (or merges) an entity mention on a thread.
	RecordMention(ctx context.Context, threadID string, entity Entity) error

	// RecentEntities returns entities mentioned within the window,
	// most recently mentioned first.
	RecentEntities(ctx context.Context, threadID string) ([]Entity, error)
}

// MemoryEntityStore is the in-process EntityStore, suitable for tests and
// single-instance deployments.
type MemoryEntityStore struct {
	mu      sync.Mutex
	threads map[string]map[string]*Entity
}

// NewMemoryEntityStore creates an empty in-memory entity store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{threads: make(map[string]map[string]*Entity)}
}

func (s *MemoryEntityStore) RecordMention(_ context.Context, threadID string, entity Entity) error {
	if entity.Name == "" {
		return fmt.Errorf("entity name cannot be empty")
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		thread = make(map[string]*Entity)
		s.threads[threadID] = thread
	}

	key := strings.ToLower(entity.Name)
	if existing, ok := thread[key]; ok {
		existing.MentionCount++
		existing.LastMentioned = now
		if entity.Context != "" {
			existing.Context = entity.Context
		}
		existing.Aliases = mergeAliases(existing.Aliases, entity.Aliases)
		return nil
	}

	entity.FirstMentioned = now
	entity.LastMentioned = now
	if entity.MentionCount == 0 {
		entity.MentionCount = 1
	}
	thread[key] = &entity
	return nil
}

func (s *MemoryEntityStore) RecentEntities(_ context.Context, threadID string) ([]Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-EntityWindow)
	var out []Entity
	for _, entity := range s.threads[threadID] {
		if entity.LastMentioned.After(cutoff) {
			out = append(out, *entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMentioned.After(out[j].LastMentioned) })
	return out, nil
}

// RedisEntityStore persists entity mentions in Redis so coreference
// context survives process restarts and is shared across instances.
// Each thread is one hash keyed by entity name; the hash TTL matches the
// recency window so stale threads expire on their own.
type RedisEntityStore struct {
	client *redis.Client
	prefix string
}

// NewRedisEntityStore creates a Redis-backed entity store.
func NewRedisEntityStore(client *redis.Client, keyPrefix string) *RedisEntityStore {
	if keyPrefix == "" {
		keyPrefix = "synapse:entities"
	}
	return &RedisEntityStore{client: client, prefix: keyPrefix}
}

func (s *RedisEntityStore) key(threadID string) string {
	return s.prefix + ":" + threadID
}

func (s *RedisEntityStore) RecordMention(ctx context.Context, threadID string, entity Entity) error {
	if entity.Name == "" {
		return fmt.Errorf("entity name cannot be empty")
	}
	now := time.Now()
	key := s.key(threadID)
	field := strings.ToLower(entity.Name)

	raw, err := s.client.HGet(ctx, key, field).Result()
	switch {
	case err == redis.Nil:
		entity.FirstMentioned = now
		entity.LastMentioned = now
		if entity.MentionCount == 0 {
			entity.MentionCount = 1
		}
	case err != nil:
		return fmt.Errorf("failed to read entity: %w", err)
	default:
		var existing Entity
		if jsonErr := json.Unmarshal([]byte(raw), &existing); jsonErr == nil {
			existing.MentionCount++
			existing.LastMentioned = now
			if entity.Context != "" {
				existing.Context = entity.Context
			}
			existing.Aliases = mergeAliases(existing.Aliases, entity.Aliases)
			entity = existing
		}
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, field, data)
	pipe.Expire(ctx, key, EntityWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store entity: %w", err)
	}
	return nil
}

func (s *RedisEntityStore) RecentEntities(ctx context.Context, threadID string) ([]Entity, error) {
	raw, err := s.client.HGetAll(ctx, s.key(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read entities: %w", err)
	}

	cutoff := time.Now().Add(-EntityWindow)
	out := make([]Entity, 0, len(raw))
	for _, data := range raw {
		var entity Entity
		if err := json.Unmarshal([]byte(data), &entity); err != nil {
			continue
		}
		if entity.LastMentioned.After(cutoff) {
			out = append(out, entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMentioned.After(out[j].LastMentioned) })
	return out, nil
}

func mergeAliases(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[strings.ToLower(a)] = true
	}
	for _, a := range incoming {
		if !seen[strings.ToLower(a)] {
			existing = append(existing, a)
			seen[strings.ToLower(a)] = true
		}
	}
	return existing
}
