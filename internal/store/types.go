// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package store

import "time"

// --- Knowledge graph types ---

// Entity is a node in the knowledge graph.
type Entity struct {
	ID         string
	Type       string
	Name       string
	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Relationship is a directed edge between two entities.
type Relationship struct {
	ID       string
	FromID   string
	ToID     string
	Type     string
	Metadata map[string]any
}

// Graph is a subgraph of entities and their relationships.
type Graph struct {
	Entities      []*Entity
	Relationships []*Relationship
}

// EntityQuery specifies filters for finding entities.
type EntityQuery struct {
	Type       string
	NamePrefix string
	Limit      int
}

// TraversalFilter constrains graph traversal operations.
type TraversalFilter struct {
	RelationshipTypes []string
	MaxDepth          int
}

// --- Vector types ---

// VectorResult is a single result from a vector similarity search.
type VectorResult struct {
	ID       string
	Score    float64 // Distance metric: lower = more similar; 0.0 = exact match.
	Metadata map[string]any
}

// --- Memory types ---

// MemoryItem is a personal memory stored for one user.
type MemoryItem struct {
	ID        string
	UserID    string
	Content   string
	Tags      []string
	CreatedAt time.Time
}

// MemoryQuery specifies filters for searching memories.
type MemoryQuery struct {
	UserID string
	Text   string
	Limit  int
}

// --- Audit types ---

// AuditEntry records one security-relevant action.
type AuditEntry struct {
	ID             string
	Timestamp      time.Time
	Action         string
	Actor          string
	ConversationID string
	Tool           string
	RiskLevel      string
	Details        map[string]any
	Result         string
}

// AuditFilter specifies criteria for querying audit entries.
type AuditFilter struct {
	Action         string
	Actor          string
	Tool           string
	ConversationID string
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// --- Query options ---

// ListOpts provides pagination parameters for list operations.
type ListOpts struct {
	Limit  int
	Offset int
}
