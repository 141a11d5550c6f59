// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package turn

import (
	"fmt"
	"strings"

	"github.com/backdesk-ai/backdesk/internal/enrich"
)

// BuildSystemPrompt renders the base system prompt plus the retrieval
// context for one turn. Rendering is deterministic given the same enriched
// context, so identical inputs produce identical prompts.
func BuildSystemPrompt(base string, ec *enrich.Context) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))

	if ec == nil {
		return b.String()
	}

	if len(ec.Entities) > 0 {
		b.WriteString("\n\n## Known entities\n")
		names := make(map[string]string, len(ec.Entities))
		for _, e := range ec.Entities {
			names[e.ID] = e.Name
			fmt.Fprintf(&b, "- %s (%s)\n", e.Name, e.Type)
		}
		if len(ec.Relationships) > 0 {
			b.WriteString("\n## Relationships\n")
			for _, r := range ec.Relationships {
				fmt.Fprintf(&b, "- %s -[%s]-> %s\n", entityLabel(names, r.FromID), r.Type, entityLabel(names, r.ToID))
			}
		}
	}

	if len(ec.Chunks) > 0 {
		b.WriteString("\n## Relevant documents\n")
		for _, c := range ec.Chunks {
			fmt.Fprintf(&b, "- [%s] %s\n", c.ID, chunkText(c))
		}
	}

	if len(ec.Memories) > 0 {
		b.WriteString("\n## User memories\n")
		for _, m := range ec.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	return b.String()
}

func entityLabel(names map[string]string, id string) string {
	if name, ok := names[id]; ok {
		return name
	}
	return id
}

// chunkText pulls the stored text out of chunk metadata. Chunks indexed
// without a text field fall back to their ID, which still gives the model
// a citation handle.
func chunkText(c enrich.Chunk) string {
	for _, key := range []string{"text", "content"} {
		if v, ok := c.Metadata[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return c.ID
}
