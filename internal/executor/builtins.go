// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/backdesk-ai/backdesk/internal/store"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// RegisterStoreBuiltins installs the internal tools backed directly by the
// stores: knowledge_search, memory_search, and audit_query. These run
// in-process and never leave the deployment.
func (e *Executor) RegisterStoreBuiltins(knowledge store.KnowledgeStore, memories store.MemoryStore, audit store.AuditStore) {
	if knowledge != nil {
		e.RegisterBuiltin("knowledge_search", knowledgeSearchBuiltin(knowledge))
	}
	if memories != nil {
		e.RegisterBuiltin("memory_search", memorySearchBuiltin(memories))
	}
	if audit != nil {
		e.RegisterBuiltin("audit_query", auditQueryBuiltin(audit))
	}
}

func knowledgeSearchBuiltin(knowledge store.KnowledgeStore) BuiltinFunc {
	return func(ctx context.Context, req Request) (string, error) {
		args, err := rawArgs(req)
		if err != nil {
			return "", err
		}

		query := store.EntityQuery{Limit: intArg(args, "limit", 10)}
		if v, ok := args["type"].(string); ok {
			query.Type = v
		}
		if v, ok := args["name"].(string); ok {
			query.NamePrefix = v
		}

		entities, err := knowledge.FindEntities(ctx, query)
		if err != nil {
			return "", err
		}

		type entityOut struct {
			ID         string         `json:"id"`
			Type       string         `json:"type"`
			Name       string         `json:"name"`
			Properties map[string]any `json:"properties,omitempty"`
		}
		out := make([]entityOut, 0, len(entities))
		for _, ent := range entities {
			out = append(out, entityOut{ID: ent.ID, Type: ent.Type, Name: ent.Name, Properties: ent.Properties})
		}
		return marshalResult(out)
	}
}

func memorySearchBuiltin(memories store.MemoryStore) BuiltinFunc {
	return func(ctx context.Context, req Request) (string, error) {
		args, err := rawArgs(req)
		if err != nil {
			return "", err
		}

		query := store.MemoryQuery{
			// Memories are always scoped to the calling user; the model
			// cannot search another user's memories.
			UserID: req.UserID,
			Limit:  intArg(args, "limit", 10),
		}
		if v, ok := args["query"].(string); ok {
			query.Text = v
		}

		items, err := memories.Search(ctx, query)
		if err != nil {
			return "", err
		}

		type memoryOut struct {
			ID        string   `json:"id"`
			Content   string   `json:"content"`
			Tags      []string `json:"tags,omitempty"`
			CreatedAt string   `json:"created_at"`
		}
		out := make([]memoryOut, 0, len(items))
		for _, item := range items {
			out = append(out, memoryOut{
				ID:        item.ID,
				Content:   item.Content,
				Tags:      item.Tags,
				CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		return marshalResult(out)
	}
}

func auditQueryBuiltin(audit store.AuditStore) BuiltinFunc {
	return func(ctx context.Context, req Request) (string, error) {
		args, err := rawArgs(req)
		if err != nil {
			return "", err
		}

		filter := store.AuditFilter{Limit: intArg(args, "limit", 20)}
		if v, ok := args["action"].(string); ok {
			filter.Action = v
		}
		if v, ok := args["tool"].(string); ok {
			filter.Tool = v
		}
		if v, ok := args["actor"].(string); ok {
			filter.Actor = v
		}

		entries, err := audit.Query(ctx, filter)
		if err != nil {
			return "", err
		}

		type auditOut struct {
			Timestamp string `json:"timestamp"`
			Action    string `json:"action"`
			Actor     string `json:"actor"`
			Tool      string `json:"tool,omitempty"`
			RiskLevel string `json:"risk_level,omitempty"`
			Result    string `json:"result"`
		}
		out := make([]auditOut, 0, len(entries))
		for _, e := range entries {
			out = append(out, auditOut{
				Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
				Action:    e.Action,
				Actor:     e.Actor,
				Tool:      e.Tool,
				RiskLevel: e.RiskLevel,
				Result:    e.Result,
			})
		}
		return marshalResult(out)
	}
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", bderr.Wrapf(err, bderr.CodeExecutorArgsInvalid, "encoding builtin result")
	}
	return string(b), nil
}
