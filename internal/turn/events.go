// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package turn drives one conversation turn end to end: enrichment, prompt
// construction, model streaming, the bounded tool loop, and the turn event
// stream the server forwards to the client.
package turn

import (
	"time"

	"github.com/backdesk-ai/backdesk/internal/catalog"
)

// EventType discriminates turn events on the wire.
type EventType string

const (
	EventRouting      EventType = "routing"
	EventToken        EventType = "token"
	EventToolStart    EventType = "tool_start"
	EventToolEnd      EventType = "tool_end"
	EventConfirmation EventType = "confirmation"
	EventDone         EventType = "done"
)

// Done reasons. A turn always terminates with exactly one done event.
const (
	ReasonOK             = "ok"
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonModelFailure   = "model_failure"
	ReasonCancelled      = "cancelled"
)

// Event is one entry in a turn's event stream. Events within a turn are
// totally ordered as produced; exactly the payload matching Type is set.
type Event struct {
	Type EventType `json:"type"`

	Routing      *RoutingPayload      `json:"routing,omitempty"`
	Text         string               `json:"text,omitempty"`
	Tool         *ToolPayload         `json:"tool,omitempty"`
	Confirmation *ConfirmationPayload `json:"confirmation,omitempty"`
	Done         *DonePayload         `json:"done,omitempty"`
}

// RoutingPayload announces the model selected for this turn.
type RoutingPayload struct {
	Tier  string `json:"tier"`
	Model string `json:"model"`
}

// ToolPayload accompanies tool_start and tool_end events.
type ToolPayload struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	// Status is set on tool_end only: "success" or "failure".
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ConfirmationPayload surfaces a pending confirmation for user approval.
type ConfirmationPayload struct {
	ConfirmationID string            `json:"confirmation_id"`
	ToolName       string            `json:"tool_name"`
	RiskLevel      catalog.RiskLevel `json:"risk_level"`
	Parameters     string            `json:"parameters"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// DonePayload terminates the stream.
type DonePayload struct {
	Reason string `json:"reason"`
}

func routingEvent(tier, model string) Event {
	return Event{Type: EventRouting, Routing: &RoutingPayload{Tier: tier, Model: model}}
}

func tokenEvent(text string) Event {
	return Event{Type: EventToken, Text: text}
}

func toolStartEvent(callID, name string) Event {
	return Event{Type: EventToolStart, Tool: &ToolPayload{CallID: callID, Name: name}}
}

func toolEndEvent(callID, name, status, errText string) Event {
	return Event{Type: EventToolEnd, Tool: &ToolPayload{CallID: callID, Name: name, Status: status, Error: errText}}
}

func doneEvent(reason string) Event {
	return Event{Type: EventDone, Done: &DonePayload{Reason: reason}}
}
