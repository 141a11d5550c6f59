// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/backdesk-ai/backdesk/internal/confirm"
	"github.com/backdesk-ai/backdesk/internal/turn"
)

func (s *Server) registerConfirmationRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-pending-confirmations",
		Method:      http.MethodGet,
		Path:        "/api/v1/conversations/{id}/confirmations",
		Summary:     "List a conversation's pending confirmations",
		Tags:        []string{"confirmations"},
	}, s.handleListConfirmations)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-confirmation",
		Method:      http.MethodGet,
		Path:        "/api/v1/confirmations/{id}",
		Summary:     "Get a confirmation",
		Tags:        []string{"confirmations"},
	}, s.handleGetConfirmation)

	huma.Register(s.api, huma.Operation{
		OperationID: "decide-confirmation",
		Method:      http.MethodPost,
		Path:        "/api/v1/confirmations/{id}/decision",
		Summary:     "Approve or reject a pending confirmation",
		Description: "A decision on a pending confirmation runs through the turn pipeline: an approval releases the gated call to the executor and the response carries the resulting turn events. Deciding an already-decided confirmation is an idempotent no-op and never re-executes the gated call.",
		Tags:        []string{"confirmations"},
	}, s.handleDecideConfirmation)
}

// ConfirmationView is the API rendering of one confirmation record.
type ConfirmationView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ToolName       string    `json:"tool_name"`
	RiskLevel      string    `json:"risk_level"`
	Parameters     string    `json:"parameters"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	DecidedAt      time.Time `json:"decided_at,omitzero"`
	DecidedBy      string    `json:"decided_by,omitempty"`
}

type listConfirmationsInput struct {
	ID string `path:"id" doc:"Conversation id"`
}
type listConfirmationsOutput struct {
	Body struct {
		Confirmations []ConfirmationView `json:"confirmations"`
	}
}

type getConfirmationInput struct {
	ID string `path:"id"`
}
type getConfirmationOutput struct {
	Body ConfirmationView
}

type decideConfirmationInput struct {
	ID   string `path:"id"`
	Body struct {
		Approve   bool   `json:"approve" doc:"true approves, false rejects"`
		DecidedBy string `json:"decided_by" minLength:"1" doc:"User making the decision"`
	}
}
type decideConfirmationOutput struct {
	Body struct {
		Confirmation ConfirmationView `json:"confirmation"`
		Transitioned bool             `json:"transitioned" doc:"false for an idempotent repeat"`
		Events       []turn.Event     `json:"events,omitempty" doc:"Turn events produced by the decision, including the released execution"`
	}
}

func (s *Server) handleListConfirmations(_ context.Context, input *listConfirmationsInput) (*listConfirmationsOutput, error) {
	out := &listConfirmationsOutput{}
	out.Body.Confirmations = make([]ConfirmationView, 0)
	for _, conf := range s.services.Gate.Pending(input.ID) {
		out.Body.Confirmations = append(out.Body.Confirmations, confirmationView(conf))
	}
	return out, nil
}

func (s *Server) handleGetConfirmation(_ context.Context, input *getConfirmationInput) (*getConfirmationOutput, error) {
	conf, err := s.services.Gate.Get(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("confirmation %q not found", input.ID))
	}
	return &getConfirmationOutput{Body: confirmationView(conf)}, nil
}

func (s *Server) handleDecideConfirmation(ctx context.Context, input *decideConfirmationInput) (*decideConfirmationOutput, error) {
	conf, err := s.services.Gate.Get(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("confirmation %q not found", input.ID))
	}
	if conf.Status == confirm.StatusExpired {
		return nil, huma.Error410Gone(fmt.Sprintf("confirmation %q expired before decision", input.ID))
	}

	out := &decideConfirmationOutput{}
	if conf.Status.Terminal() {
		// Idempotent repeat: no transition, and the gated call is never
		// re-executed.
		out.Body.Confirmation = confirmationView(conf)
		return out, nil
	}

	if s.services.Runner == nil {
		return nil, huma.Error503ServiceUnavailable("turn runner not configured")
	}

	// A pending decision runs through the same turn path as a stream
	// decision message, so an approval releases the gated call to the
	// executor and the model sees the result.
	message := confirm.RejectMessage(input.ID)
	if input.Body.Approve {
		message = confirm.ApproveMessage(input.ID)
	}
	events, err := s.services.Runner.Run(ctx, turn.Request{
		ConversationID: conf.ConversationID,
		UserID:         input.Body.DecidedBy,
		Message:        message,
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("deciding confirmation", err)
	}
	collected := make([]turn.Event, 0, 8)
	for ev := range events {
		collected = append(collected, ev)
	}

	decided, err := s.services.Gate.Get(input.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("reloading confirmation", err)
	}
	if decided.Status == confirm.StatusExpired {
		return nil, huma.Error410Gone(fmt.Sprintf("confirmation %q expired before decision", input.ID))
	}

	out.Body.Confirmation = confirmationView(decided)
	out.Body.Transitioned = decided.Status.Terminal()
	out.Body.Events = collected
	return out, nil
}

func confirmationView(conf *confirm.Confirmation) ConfirmationView {
	return ConfirmationView{
		ID:             conf.ID,
		ConversationID: conf.ConversationID,
		ToolName:       conf.ToolName,
		RiskLevel:      string(conf.RiskLevel),
		Parameters:     conf.Parameters,
		Status:         string(conf.Status),
		CreatedAt:      conf.CreatedAt,
		ExpiresAt:      conf.ExpiresAt,
		DecidedAt:      conf.DecidedAt,
		DecidedBy:      conf.DecidedBy,
	}
}
