// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package enrich_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backdesk-ai/backdesk/internal/enrich"
	"github.com/backdesk-ai/backdesk/internal/store"
)

type fixedEmbedder struct {
	embedding []float32
	err       error
}

func (f fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.embedding, f.err
}

// failingKnowledge wraps a KnowledgeStore and fails every call.
type failingKnowledge struct {
	store.KnowledgeStore
}

func (failingKnowledge) FindEntities(context.Context, store.EntityQuery) ([]*store.Entity, error) {
	return nil, errors.New("graph backend down")
}

// slowMemories blocks until the context is cancelled.
type slowMemories struct{}

func (slowMemories) Put(context.Context, *store.MemoryItem) error { return nil }
func (slowMemories) Close() error                                 { return nil }
func (slowMemories) Search(ctx context.Context, _ store.MemoryQuery) ([]*store.MemoryItem, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func seededStores(t *testing.T) (store.KnowledgeStore, store.VectorStore, store.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	ks := store.NewInMemoryKnowledgeStore()
	require.NoError(t, ks.PutEntity(ctx, &store.Entity{ID: "acct-1", Type: "account", Name: "Globex"}))
	require.NoError(t, ks.PutEntity(ctx, &store.Entity{ID: "tick-1", Type: "ticket", Name: "Renewal blocker"}))
	require.NoError(t, ks.PutRelationship(ctx, &store.Relationship{ID: "r1", FromID: "acct-1", ToID: "tick-1", Type: "has_ticket"}))

	vs := store.NewInMemoryVectorStore()
	require.NoError(t, vs.Store(ctx, "chunk-1", []float32{1, 0}, map[string]any{"doc": "renewal-playbook"}))
	require.NoError(t, vs.Store(ctx, "chunk-2", []float32{0, 1}, nil))

	ms := store.NewInMemoryMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, ms.Put(ctx, &store.MemoryItem{ID: "m1", UserID: "user-1", Content: "handles the Globex renewal", CreatedAt: base}))
	require.NoError(t, ms.Put(ctx, &store.MemoryItem{ID: "m2", UserID: "user-1", Content: "prefers short summaries", CreatedAt: base.Add(time.Hour)}))

	return ks, vs, ms
}

func TestEnricher_AllSources(t *testing.T) {
	ks, vs, ms := seededStores(t)
	e := enrich.New(ks, vs, ms, fixedEmbedder{embedding: []float32{1, 0}}, enrich.DefaultConfig(), nil)

	ec, err := e.Enrich(context.Background(), "conv-1", "user-1", "What is blocking the Globex renewal?")
	require.NoError(t, err)
	assert.False(t, ec.Degraded())

	// Graph traversal reached the linked ticket.
	require.Len(t, ec.Entities, 2)
	require.Len(t, ec.Relationships, 1)

	// Chunks arrive most-similar first.
	require.Len(t, ec.Chunks, 2)
	assert.Equal(t, "chunk-1", ec.Chunks[0].ID)
	assert.LessOrEqual(t, ec.Chunks[0].Score, ec.Chunks[1].Score)

	// Memories arrive newest first.
	require.Len(t, ec.Memories, 2)
	assert.Equal(t, "m2", ec.Memories[0].ID)
}

func TestEnricher_SingleSourceFailureDegrades(t *testing.T) {
	ks, vs, ms := seededStores(t)
	e := enrich.New(failingKnowledge{ks}, vs, ms, fixedEmbedder{embedding: []float32{1, 0}}, enrich.DefaultConfig(), nil)

	ec, err := e.Enrich(context.Background(), "conv-1", "user-1", "What is blocking the Globex renewal?")
	require.NoError(t, err)
	assert.True(t, ec.Degraded())
	assert.Equal(t, []string{"graph"}, ec.DegradedSources)

	// The other two sources still delivered.
	assert.Empty(t, ec.Entities)
	assert.NotEmpty(t, ec.Chunks)
	assert.NotEmpty(t, ec.Memories)
}

func TestEnricher_EmbedderFailureDegradesChunks(t *testing.T) {
	ks, vs, ms := seededStores(t)
	e := enrich.New(ks, vs, ms, fixedEmbedder{err: errors.New("embedding service down")}, enrich.DefaultConfig(), nil)

	ec, err := e.Enrich(context.Background(), "conv-1", "user-1", "Globex status")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunks"}, ec.DegradedSources)
	assert.NotEmpty(t, ec.Entities)
	assert.Empty(t, ec.Chunks)
}

func TestEnricher_SourceTimeoutDegrades(t *testing.T) {
	ks, vs, _ := seededStores(t)
	cfg := enrich.DefaultConfig()
	cfg.SourceTimeout = 20 * time.Millisecond
	e := enrich.New(ks, vs, slowMemories{}, fixedEmbedder{embedding: []float32{1, 0}}, cfg, nil)

	ec, err := e.Enrich(context.Background(), "conv-1", "user-1", "Globex status")
	require.NoError(t, err)
	assert.Equal(t, []string{"memories"}, ec.DegradedSources)
	assert.NotEmpty(t, ec.Entities)
	assert.NotEmpty(t, ec.Chunks)
}

func TestEnricher_ParentCancellation(t *testing.T) {
	ks, vs, ms := seededStores(t)
	e := enrich.New(ks, vs, ms, fixedEmbedder{embedding: []float32{1, 0}}, enrich.DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Enrich(ctx, "conv-1", "user-1", "Globex status")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnricher_NoSeedEntities(t *testing.T) {
	ks, vs, ms := seededStores(t)
	e := enrich.New(ks, vs, ms, fixedEmbedder{embedding: []float32{1, 0}}, enrich.DefaultConfig(), nil)

	// All lowercase message yields no entity seeds; graph comes back
	// empty without being marked degraded.
	ec, err := e.Enrich(context.Background(), "conv-1", "user-1", "anything new today?")
	require.NoError(t, err)
	assert.False(t, ec.Degraded())
	assert.Empty(t, ec.Entities)
}
