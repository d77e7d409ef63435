// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEntityStoreMergesMentions(t *testing.T) {
	store := NewMemoryEntityStore()
	ctx := context.Background()

	require.NoError(t, store.RecordMention(ctx, "thread-1", Entity{Name: "Purdue University", Type: "university"}))
	require.NoError(t, store.RecordMention(ctx, "thread-1", Entity{Name: "purdue university", Type: "university", Aliases: []string{"Purdue"}}))

	entities, err := store.RecentEntities(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, 2, entities[0].MentionCount)
	assert.Contains(t, entities[0].Aliases, "Purdue")
}

func TestMemoryEntityStoreIsolatesThreads(t *testing.T) {
	store := NewMemoryEntityStore()
	ctx := context.Background()

	require.NoError(t, store.RecordMention(ctx, "thread-1", Entity{Name: "Redis", Type: "product"}))

	entities, err := store.RecentEntities(ctx, "thread-2")
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestMemoryEntityStoreRejectsEmptyName(t *testing.T) {
	store := NewMemoryEntityStore()
	assert.Error(t, store.RecordMention(context.Background(), "thread-1", Entity{}))
}

func TestRedisEntityStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisEntityStore(client, "test:entities")
	ctx := context.Background()

	require.NoError(t, store.RecordMention(ctx, "thread-1", Entity{Name: "Acme Corp", Type: "company"}))
	require.NoError(t, store.RecordMention(ctx, "thread-1", Entity{Name: "Acme Corp", Type: "company"}))
	require.NoError(t, store.RecordMention(ctx, "thread-1", Entity{Name: "Purdue University", Type: "university"}))

	entities, err := store.RecentEntities(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, entities, 2)

	byName := make(map[string]Entity)
	for _, e := range entities {
		byName[e.Name] = e
	}
	assert.Equal(t, 2, byName["Acme Corp"].MentionCount)
	assert.Equal(t, 1, byName["Purdue University"].MentionCount)
}

func TestRedisEntityStoreSetsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisEntityStore(client, "test:entities")

	require.NoError(t, store.RecordMention(context.Background(), "thread-1", Entity{Name: "Redis", Type: "product"}))
	ttl := mr.TTL("test:entities:thread-1")
	assert.Equal(t, EntityWindow, ttl)
}

func TestRedisEntityStoreExpiredThreadIsEmpty(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisEntityStore(client, "test:entities")
	ctx := context.Background()

	require.NoError(t, store.RecordMention(ctx, "thread-1", Entity{Name: "Redis", Type: "product"}))
	mr.FastForward(EntityWindow + 1)

	entities, err := store.RecentEntities(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, entities)
}
