// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package enrich assembles the retrieval context for one turn. Three
// sources run concurrently: graph traversal seeded from entities named in
// the message, vector similarity over the message embedding, and the
// user's personal memories. A failing source degrades the context instead
// of failing the turn.
package enrich

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/backdesk-ai/backdesk/internal/store"
)

// Embedder produces the query embedding for vector retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Chunk is one ranked text chunk from vector retrieval.
type Chunk struct {
	ID       string
	Score    float64 // distance, lower = more similar
	Metadata map[string]any
}

// Context is the merged retrieval context for one turn. It is built fresh
// per turn and never persisted. Merge order is deterministic: graph
// entities first, then chunks most-similar first, then memories newest
// first.
type Context struct {
	Entities      []*store.Entity
	Relationships []*store.Relationship
	Chunks        []Chunk
	Memories      []*store.MemoryItem
	// DegradedSources names the retrieval sources that failed or timed
	// out for this turn.
	DegradedSources []string
}

// Degraded reports whether any source failed.
func (c *Context) Degraded() bool { return len(c.DegradedSources) > 0 }

// Config tunes the enricher.
type Config struct {
	// SourceTimeout bounds each retrieval independently.
	SourceTimeout time.Duration
	// TraversalDepth is how many hops graph retrieval walks from each
	// seed entity.
	TraversalDepth int
	// ChunkLimit is the k for vector search.
	ChunkLimit int
	// MemoryLimit caps returned memories.
	MemoryLimit int
}

// DefaultConfig returns the enricher defaults.
func DefaultConfig() Config {
	return Config{
		SourceTimeout:  2 * time.Second,
		TraversalDepth: 2,
		ChunkLimit:     8,
		MemoryLimit:    5,
	}
}

// Enricher fans out to the three retrieval sources and joins the results.
type Enricher struct {
	knowledge store.KnowledgeStore
	vectors   store.VectorStore
	memories  store.MemoryStore
	embedder  Embedder
	cfg       Config
	logger    *slog.Logger
}

// New creates an Enricher. Any nil store disables that source entirely
// rather than degrading every turn.
func New(knowledge store.KnowledgeStore, vectors store.VectorStore, memories store.MemoryStore, embedder Embedder, cfg Config, logger *slog.Logger) *Enricher {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultConfig().SourceTimeout
	}
	if cfg.TraversalDepth <= 0 {
		cfg.TraversalDepth = DefaultConfig().TraversalDepth
	}
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = DefaultConfig().ChunkLimit
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = DefaultConfig().MemoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		knowledge: knowledge,
		vectors:   vectors,
		memories:  memories,
		embedder:  embedder,
		cfg:       cfg,
		logger:    logger,
	}
}

// Enrich runs the three retrievals concurrently and merges their results.
// It only returns an error when the parent context is cancelled; source
// failures are absorbed into DegradedSources.
func (e *Enricher) Enrich(ctx context.Context, conversationID, userID, message string) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		wg sync.WaitGroup

		graph    *store.Graph
		graphErr error

		chunks   []Chunk
		chunkErr error

		mems   []*store.MemoryItem
		memErr error
	)

	if e.knowledge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
			defer cancel()
			graph, graphErr = e.retrieveGraph(sctx, message)
		}()
	}

	if e.vectors != nil && e.embedder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
			defer cancel()
			chunks, chunkErr = e.retrieveChunks(sctx, message)
		}()
	}

	if e.memories != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
			defer cancel()
			mems, memErr = e.memories.Search(sctx, store.MemoryQuery{
				UserID: userID,
				Text:   message,
				Limit:  e.cfg.MemoryLimit,
			})
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Context{}

	if graphErr != nil {
		out.DegradedSources = append(out.DegradedSources, "graph")
		e.logger.WarnContext(ctx, "graph retrieval degraded",
			"conversation_id", conversationID, "error", graphErr)
	} else if graph != nil {
		out.Entities, out.Relationships = dedupeGraph(graph)
	}

	if chunkErr != nil {
		out.DegradedSources = append(out.DegradedSources, "chunks")
		e.logger.WarnContext(ctx, "chunk retrieval degraded",
			"conversation_id", conversationID, "error", chunkErr)
	} else {
		out.Chunks = chunks
	}

	if memErr != nil {
		out.DegradedSources = append(out.DegradedSources, "memories")
		e.logger.WarnContext(ctx, "memory retrieval degraded",
			"conversation_id", conversationID, "error", memErr)
	} else {
		out.Memories = mems
	}

	return out, nil
}

// retrieveGraph seeds graph traversal from entities whose names appear in
// the message and unions the reachable subgraphs.
func (e *Enricher) retrieveGraph(ctx context.Context, message string) (*store.Graph, error) {
	seeds, err := e.seedEntities(ctx, message)
	if err != nil {
		return nil, err
	}

	merged := &store.Graph{}
	for _, seed := range seeds {
		g, err := e.knowledge.Traverse(ctx, seed.ID, e.cfg.TraversalDepth, store.TraversalFilter{})
		if err != nil {
			return nil, err
		}
		merged.Entities = append(merged.Entities, g.Entities...)
		merged.Relationships = append(merged.Relationships, g.Relationships...)
	}
	return merged, nil
}

// seedEntities extracts candidate entity names from the message and looks
// them up. Candidates are capitalized words, which covers account and
// contact names in backoffice chatter well enough to seed traversal.
func (e *Enricher) seedEntities(ctx context.Context, message string) ([]*store.Entity, error) {
	names := candidateNames(message)

	var seeds []*store.Entity
	seen := make(map[string]bool)
	for _, name := range names {
		found, err := e.knowledge.FindEntities(ctx, store.EntityQuery{NamePrefix: name, Limit: 3})
		if err != nil {
			return nil, err
		}
		for _, ent := range found {
			if !seen[ent.ID] {
				seen[ent.ID] = true
				seeds = append(seeds, ent)
			}
		}
	}
	return seeds, nil
}

func candidateNames(message string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, word := range strings.FieldsFunc(message, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		runes := []rune(word)
		if len(runes) < 2 || !unicode.IsUpper(runes[0]) {
			continue
		}
		if !seen[word] {
			seen[word] = true
			names = append(names, word)
		}
	}
	return names
}

func (e *Enricher) retrieveChunks(ctx context.Context, message string) ([]Chunk, error) {
	embedding, err := e.embedder.Embed(ctx, message)
	if err != nil {
		return nil, err
	}

	results, err := e.vectors.Search(ctx, embedding, e.cfg.ChunkLimit)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(results))
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		chunks = append(chunks, Chunk{ID: r.ID, Score: r.Score, Metadata: r.Metadata})
	}
	// Store results arrive distance-ascending already; keep that order so
	// the most similar chunk leads the prompt.
	return chunks, nil
}

// dedupeGraph removes duplicate entities and relationships by ID while
// preserving first-seen order.
func dedupeGraph(g *store.Graph) ([]*store.Entity, []*store.Relationship) {
	var ents []*store.Entity
	seenEnt := make(map[string]bool)
	for _, ent := range g.Entities {
		if !seenEnt[ent.ID] {
			seenEnt[ent.ID] = true
			ents = append(ents, ent)
		}
	}

	var rels []*store.Relationship
	seenRel := make(map[string]bool)
	for _, rel := range g.Relationships {
		if !seenRel[rel.ID] {
			seenRel[rel.ID] = true
			rels = append(rels, rel)
		}
	}
	return ents, rels
}
