// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package store defines the persistence contracts the orchestration core
// consumes. The admin tooling that populates these stores is a separate
// system; the turn pipeline only reads knowledge, memories, and vectors, and
// appends to the audit log.
package store

import "context"

// KnowledgeStore manages graph entities, relationships, and traversal.
type KnowledgeStore interface {
	PutEntity(ctx context.Context, entity *Entity) error
	GetEntity(ctx context.Context, id string) (*Entity, error)
	FindEntities(ctx context.Context, query EntityQuery) ([]*Entity, error)

	PutRelationship(ctx context.Context, rel *Relationship) error

	Traverse(ctx context.Context, startID string, depth int, filter TraversalFilter) (*Graph, error)

	Close() error
}

// VectorStore manages embeddings and similarity search.
type VectorStore interface {
	Store(ctx context.Context, id string, embedding []float32, metadata map[string]any) error
	Search(ctx context.Context, query []float32, k int) ([]VectorResult, error)
	Delete(ctx context.Context, ids []string) error
	Close() error
}

// MemoryStore manages per-user personal memories.
type MemoryStore interface {
	Put(ctx context.Context, item *MemoryItem) error
	Search(ctx context.Context, query MemoryQuery) ([]*MemoryItem, error)
	Close() error
}

// AuditStore is the append-only audit sink. Append must succeed or fail
// atomically per entry; callers treat failures as best-effort and log them.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

