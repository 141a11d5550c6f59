// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/backdesk-ai/backdesk/internal/provider"
	"github.com/backdesk-ai/backdesk/internal/turn"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// TurnRunner starts one turn and streams its events.
type TurnRunner interface {
	Run(ctx context.Context, req turn.Request) (<-chan turn.Event, error)
}

// TurnStreamRequest is the request body for the turn stream endpoint.
type TurnStreamRequest struct {
	ConversationID string           `json:"conversation_id"`
	UserID         string           `json:"user_id"`
	Message        string           `json:"message"`
	History        []HistoryMessage `json:"history,omitempty"`
}

// HistoryMessage is one prior transcript entry supplied by the client.
// Tool messages must carry the call ids previously surfaced in tool_start
// events.
type HistoryMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

func (s *Server) registerTurnStreamRoute() {
	s.router.Post("/api/v1/turn/stream", s.handleTurnStream)

	// The SSE handler needs raw http.ResponseWriter access, so it cannot
	// use huma's standard handler signature. The chi route above handles
	// requests; this spec entry documents it.
	minLen := 1
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "turn-stream",
		Method:      http.MethodPost,
		Path:        "/api/v1/turn/stream",
		Summary:     "Run one turn and stream its events",
		Description: "Send a user message and receive the turn event stream. Set Accept: text/event-stream for SSE, otherwise receives a JSON array of events.",
		Tags:        []string{"turn"},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/json": {
					Schema: &huma.Schema{
						Type:     "object",
						Required: []string{"conversation_id", "user_id", "message"},
						Properties: map[string]*huma.Schema{
							"conversation_id": {Type: "string", Description: "Conversation the turn belongs to"},
							"user_id":         {Type: "string", Description: "Authenticated user"},
							"message": {
								Type:        "string",
								MinLength:   &minLen,
								Description: "User message, or a __confirm__:<id> / __reject__:<id> decision",
							},
							"history": {
								Type:        "array",
								Description: "Prior transcript entries",
								Items:       &huma.Schema{Type: "object"},
							},
						},
					},
				},
			},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Turn event stream (SSE or JSON depending on Accept header)",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {
						Schema: &huma.Schema{Type: "string", Description: "Server-sent event stream"},
					},
					"application/json": {
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"events": {
									Type:        "array",
									Description: "Collected turn events",
									Items:       &huma.Schema{Type: "object"},
								},
							},
						},
					},
				},
			},
			"422": {Description: "Validation error"},
			"503": {Description: "Turn runner not configured"},
		},
	})
}

func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	var req TurnStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if s.services == nil || s.services.Runner == nil {
		http.Error(w, `{"error":"turn runner not configured"}`, http.StatusServiceUnavailable)
		return
	}

	events, err := s.services.Runner.Run(r.Context(), turn.Request{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Message:        req.Message,
		History:        toProviderMessages(req.History),
	})
	if err != nil {
		if bderr.IsInvalidInput(err) {
			http.Error(w, `{"error":"conversation_id, user_id, and message are required"}`, http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, `{"error":"starting turn"}`, bderr.HTTPStatus(err))
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.writeSSE(w, events)
		return
	}
	s.writeJSON(w, events)
}

func (s *Server) writeSSE(w http.ResponseWriter, events <-chan turn.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		// httptest.ResponseRecorder doesn't implement Flusher,
		// but we still write the events for testability.
		flusher = nil
	}

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, events <-chan turn.Event) {
	collected := make([]turn.Event, 0, 16)
	for ev := range events {
		collected = append(collected, ev)
	}

	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Events []turn.Event `json:"events"`
	}{Events: collected}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"error":"encoding response"}`, http.StatusInternalServerError)
	}
}

func toProviderMessages(history []HistoryMessage) []provider.Message {
	if len(history) == 0 {
		return nil
	}
	msgs := make([]provider.Message, 0, len(history))
	for _, h := range history {
		msgs = append(msgs, provider.Message{
			Role:       provider.MessageRole(h.Role),
			Content:    h.Content,
			ToolCallID: h.ToolCallID,
			ToolName:   h.ToolName,
			IsError:    h.IsError,
		})
	}
	return msgs
}
