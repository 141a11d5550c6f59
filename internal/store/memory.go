// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// Compile-time interface checks.
var (
	_ KnowledgeStore = (*InMemoryKnowledgeStore)(nil)
	_ MemoryStore    = (*InMemoryMemoryStore)(nil)
	_ VectorStore    = (*InMemoryVectorStore)(nil)
	_ AuditStore     = (*InMemoryAuditStore)(nil)
)

// InMemoryKnowledgeStore is a map-backed knowledge graph used in development
// mode and tests. All operations are safe for concurrent use.
type InMemoryKnowledgeStore struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	rels     map[string]*Relationship
	// adjacency maps entity ID to the IDs of relationships touching it,
	// in insertion order.
	adjacency map[string][]string
}

// NewInMemoryKnowledgeStore returns an empty in-memory knowledge store.
func NewInMemoryKnowledgeStore() *InMemoryKnowledgeStore {
	return &InMemoryKnowledgeStore{
		entities:  make(map[string]*Entity),
		rels:      make(map[string]*Relationship),
		adjacency: make(map[string][]string),
	}
}

// PutEntity upserts an entity.
func (s *InMemoryKnowledgeStore) PutEntity(_ context.Context, entity *Entity) error {
	if entity == nil || entity.ID == "" {
		return bderr.Wrap(ErrInvalidInput, bderr.CodeStoreInvalidInput, "entity must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entity
	if existing, ok := s.entities[entity.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.entities[entity.ID] = &cp
	return nil
}

// GetEntity returns the entity with the given ID.
func (s *InMemoryKnowledgeStore) GetEntity(_ context.Context, id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entities[id]
	if !ok {
		return nil, bderr.Wrapf(ErrNotFound, bderr.CodeStoreNotFound, "entity %s", id)
	}
	cp := *ent
	return &cp, nil
}

// FindEntities returns entities matching the query, ordered by ID for
// deterministic results.
func (s *InMemoryKnowledgeStore) FindEntities(_ context.Context, query EntityQuery) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	var matched []*Entity
	for _, ent := range s.entities {
		if query.Type != "" && ent.Type != query.Type {
			continue
		}
		if query.NamePrefix != "" && !strings.HasPrefix(ent.Name, query.NamePrefix) {
			continue
		}
		cp := *ent
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// PutRelationship upserts a directed edge. Both endpoints must already exist.
func (s *InMemoryKnowledgeStore) PutRelationship(_ context.Context, rel *Relationship) error {
	if rel == nil || rel.ID == "" || rel.FromID == "" || rel.ToID == "" {
		return bderr.Wrap(ErrInvalidInput, bderr.CodeStoreInvalidInput, "relationship must have ID, FromID, and ToID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[rel.FromID]; !ok {
		return bderr.Wrapf(ErrNotFound, bderr.CodeStoreNotFound, "relationship source entity %s", rel.FromID)
	}
	if _, ok := s.entities[rel.ToID]; !ok {
		return bderr.Wrapf(ErrNotFound, bderr.CodeStoreNotFound, "relationship target entity %s", rel.ToID)
	}

	cp := *rel
	if _, ok := s.rels[rel.ID]; !ok {
		s.adjacency[rel.FromID] = append(s.adjacency[rel.FromID], rel.ID)
		if rel.ToID != rel.FromID {
			s.adjacency[rel.ToID] = append(s.adjacency[rel.ToID], rel.ID)
		}
	}
	s.rels[rel.ID] = &cp
	return nil
}

// Traverse walks the graph breadth-first from startID up to depth hops and
// returns the reachable subgraph. Relationship type filters restrict which
// edges are followed.
func (s *InMemoryKnowledgeStore) Traverse(_ context.Context, startID string, depth int, filter TraversalFilter) (*Graph, error) {
	if depth <= 0 {
		depth = 1
	}
	if filter.MaxDepth > 0 && filter.MaxDepth < depth {
		depth = filter.MaxDepth
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.entities[startID]; !ok {
		return nil, bderr.Wrapf(ErrNotFound, bderr.CodeStoreNotFound, "traversal start entity %s", startID)
	}

	allowed := make(map[string]bool, len(filter.RelationshipTypes))
	for _, t := range filter.RelationshipTypes {
		allowed[t] = true
	}
	followEdge := func(rel *Relationship) bool {
		return len(allowed) == 0 || allowed[rel.Type]
	}

	visited := map[string]bool{startID: true}
	relSeen := make(map[string]bool)
	frontier := []string{startID}

	g := &Graph{}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			for _, relID := range s.adjacency[node] {
				rel := s.rels[relID]
				if !followEdge(rel) {
					continue
				}
				if !relSeen[relID] {
					relSeen[relID] = true
					cp := *rel
					g.Relationships = append(g.Relationships, &cp)
				}
				neighbor := rel.ToID
				if neighbor == node {
					neighbor = rel.FromID
				}
				if !visited[neighbor] {
					visited[neighbor] = true
					next = append(next, neighbor)
				}
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if ent, ok := s.entities[id]; ok {
			cp := *ent
			g.Entities = append(g.Entities, &cp)
		}
	}

	return g, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryKnowledgeStore) Close() error { return nil }

// InMemoryMemoryStore holds per-user memories in memory, served most
// recent first.
type InMemoryMemoryStore struct {
	mu    sync.RWMutex
	items map[string][]*MemoryItem // keyed by user ID
}

// NewInMemoryMemoryStore returns an empty in-memory memory store.
func NewInMemoryMemoryStore() *InMemoryMemoryStore {
	return &InMemoryMemoryStore{items: make(map[string][]*MemoryItem)}
}

// Put stores a memory item for its user.
func (s *InMemoryMemoryStore) Put(_ context.Context, item *MemoryItem) error {
	if item == nil || item.ID == "" || item.UserID == "" {
		return bderr.Wrap(ErrInvalidInput, bderr.CodeStoreInvalidInput, "memory item must have ID and UserID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *item
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	list := s.items[item.UserID]
	for i, existing := range list {
		if existing.ID == item.ID {
			list[i] = &cp
			return nil
		}
	}
	s.items[item.UserID] = append(list, &cp)
	return nil
}

// Search returns the user's memories matching the query text (case-insensitive
// substring over content and tags), most recent first.
func (s *InMemoryMemoryStore) Search(_ context.Context, query MemoryQuery) ([]*MemoryItem, error) {
	if query.UserID == "" {
		return nil, bderr.Wrap(ErrInvalidInput, bderr.CodeStoreInvalidInput, "memory query must have UserID")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	needle := strings.ToLower(query.Text)
	var matched []*MemoryItem
	for _, item := range s.items[query.UserID] {
		if needle != "" && !memoryMatches(item, needle) {
			continue
		}
		cp := *item
		matched = append(matched, &cp)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func memoryMatches(item *MemoryItem, needle string) bool {
	if strings.Contains(strings.ToLower(item.Content), needle) {
		return true
	}
	for _, tag := range item.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// Close is a no-op for the in-memory store.
func (s *InMemoryMemoryStore) Close() error { return nil }

// InMemoryVectorStore is a brute-force vector index for development mode and
// tests. Search computes squared Euclidean distance over every stored vector.
type InMemoryVectorStore struct {
	mu      sync.RWMutex
	vectors map[string]memVector
}

type memVector struct {
	embedding []float32
	metadata  map[string]any
}

// NewInMemoryVectorStore returns an empty in-memory vector store.
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{vectors: make(map[string]memVector)}
}

// Store inserts or replaces a vector and its metadata.
func (s *InMemoryVectorStore) Store(_ context.Context, id string, embedding []float32, metadata map[string]any) error {
	if id == "" || len(embedding) == 0 {
		return bderr.Wrap(ErrInvalidInput, bderr.CodeStoreInvalidInput, "vector must have ID and a non-empty embedding")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	emb := make([]float32, len(embedding))
	copy(emb, embedding)
	s.vectors[id] = memVector{embedding: emb, metadata: metadata}
	return nil
}

// Search returns the k nearest vectors by squared Euclidean distance.
// Score is the distance; lower means more similar.
func (s *InMemoryVectorStore) Search(_ context.Context, query []float32, k int) ([]VectorResult, error) {
	if len(query) == 0 {
		return nil, bderr.Wrap(ErrInvalidInput, bderr.CodeStoreInvalidInput, "query vector must be non-empty")
	}
	if k <= 0 {
		k = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []VectorResult
	for id, v := range s.vectors {
		if len(v.embedding) != len(query) {
			continue
		}
		var dist float64
		for i := range query {
			d := float64(query[i] - v.embedding[i])
			dist += d * d
		}
		results = append(results, VectorResult{ID: id, Score: dist, Metadata: v.metadata})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes vectors by ID. Unknown IDs are ignored.
func (s *InMemoryVectorStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.vectors, id)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryVectorStore) Close() error { return nil }

// InMemoryAuditStore keeps audit entries in memory, in append order.
type InMemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

// NewInMemoryAuditStore returns an empty in-memory audit store.
func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{}
}

// Append records an audit entry.
func (s *InMemoryAuditStore) Append(_ context.Context, entry *AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return bderr.Wrap(ErrInvalidInput, bderr.CodeStoreInvalidInput, "audit entry must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	s.entries = append(s.entries, &cp)
	return nil
}

// Query returns entries matching the filter, newest first.
func (s *InMemoryAuditStore) Query(_ context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var matched []*AuditEntry
	for _, e := range s.entries {
		if !auditMatches(e, filter) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func auditMatches(e *AuditEntry, f AuditFilter) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if f.ConversationID != "" && e.ConversationID != f.ConversationID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
