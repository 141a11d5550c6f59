// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package turn_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backdesk-ai/backdesk/internal/catalog"
	"github.com/backdesk-ai/backdesk/internal/confirm"
	"github.com/backdesk-ai/backdesk/internal/executor"
	"github.com/backdesk-ai/backdesk/internal/provider"
	"github.com/backdesk-ai/backdesk/internal/router"
	"github.com/backdesk-ai/backdesk/internal/security"
	"github.com/backdesk-ai/backdesk/internal/turn"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// scriptedProvider plays back a fixed sequence of model responses, one per
// Chat call. When the script runs out it falls back to defaultStep, or to
// an empty done response.
type scriptedProvider struct {
	mu          sync.Mutex
	steps       []func(req provider.ChatRequest) []provider.ChatEvent
	defaultStep func(req provider.ChatRequest) []provider.ChatEvent
	requests    []provider.ChatRequest
}

func (p *scriptedProvider) Name() string                     { return "scripted" }
func (p *scriptedProvider) Available(_ context.Context) bool { return true }
func (p *scriptedProvider) Close() error                     { return nil }

func (p *scriptedProvider) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	step := p.defaultStep
	if len(p.steps) > 0 {
		step = p.steps[0]
		p.steps = p.steps[1:]
	}
	p.mu.Unlock()

	var events []provider.ChatEvent
	if step != nil {
		events = step(req)
	}
	events = append(events, provider.ChatEvent{Type: provider.EventTypeDone})

	ch := make(chan provider.ChatEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) requestAt(i int) provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *scriptedProvider) lastRequest() provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func textStep(parts ...string) func(provider.ChatRequest) []provider.ChatEvent {
	return func(provider.ChatRequest) []provider.ChatEvent {
		events := make([]provider.ChatEvent, 0, len(parts))
		for _, part := range parts {
			events = append(events, provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: part})
		}
		return events
	}
}

func toolCallStep(id, name, args string) func(provider.ChatRequest) []provider.ChatEvent {
	return func(provider.ChatRequest) []provider.ChatEvent {
		return []provider.ChatEvent{
			{Type: provider.EventTypeToolCall, ToolCall: &provider.ToolCall{ID: id, Name: name, Arguments: args}},
		}
	}
}

// testHarness wires an orchestrator over in-process fakes. The crm counter
// tracks executions of the gated crm_update builtin.
type testHarness struct {
	orch     *turn.Orchestrator
	prov     *scriptedProvider
	gate     *confirm.Gate
	echoed   *atomic.Int64
	crmCalls *atomic.Int64
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	cat, err := catalog.NewFromDescriptors([]*catalog.ToolDescriptor{
		{Name: "echo", Description: "echo input", RiskLevel: catalog.RiskRead, Permissions: []string{"crm:read"}, Builtin: true},
		{Name: "crm_update", Description: "update a CRM record", RiskLevel: catalog.RiskHighWrite, Permissions: []string{"crm:write"}, Builtin: true},
		{Name: "wipe_data", Description: "delete all records", RiskLevel: catalog.RiskDestructive, Permissions: []string{"crm:write"}, Builtin: true},
		{Name: "hidden_tool", Description: "restricted", RiskLevel: catalog.RiskRead, Permissions: []string{"admin:secrets"}, Builtin: true},
	})
	require.NoError(t, err)

	var echoed, crmCalls atomic.Int64
	exec := executor.New(cat, nil, nil)
	exec.RegisterBuiltin("echo", func(_ context.Context, req executor.Request) (string, error) {
		echoed.Add(1)
		return `{"echoed":` + req.Arguments + `}`, nil
	})
	exec.RegisterBuiltin("crm_update", func(_ context.Context, _ executor.Request) (string, error) {
		crmCalls.Add(1)
		return `{"status":"updated"}`, nil
	})
	exec.RegisterBuiltin("wipe_data", func(_ context.Context, _ executor.Request) (string, error) {
		return `{"status":"wiped"}`, nil
	})

	rtr, err := router.New(router.Config{
		Models: map[router.Tier]string{
			router.TierQuick:     "model-quick",
			router.TierStandard:  "model-standard",
			router.TierReasoning: "model-reasoning",
		},
		DefaultTier: router.TierStandard,
	})
	require.NoError(t, err)

	gate := confirm.NewGate()
	prov := &scriptedProvider{}

	resolver := security.NewRoleResolver(
		map[string][]string{"user-1": {"ops"}, "admin-1": {"root"}},
		map[string][]string{"ops": {"crm:read", "crm:write"}, "root": {"*"}},
	)

	orch, err := turn.New(turn.Config{
		Provider: prov,
		Router:   rtr,
		Catalog:  cat,
		Gate:     gate,
		Executor: exec,
		Resolver: resolver,
	})
	require.NoError(t, err)

	return &testHarness{orch: orch, prov: prov, gate: gate, echoed: &echoed, crmCalls: &crmCalls}
}

func collect(t *testing.T, ch <-chan turn.Event) []turn.Event {
	t.Helper()
	var out []turn.Event
	for ev := range ch {
		out = append(out, ev)
	}
	require.NotEmpty(t, out)
	return out
}

func eventsOfType(events []turn.Event, typ turn.EventType) []turn.Event {
	var out []turn.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func joinedText(events []turn.Event) string {
	var s string
	for _, ev := range eventsOfType(events, turn.EventToken) {
		s += ev.Text
	}
	return s
}

func doneReason(t *testing.T, events []turn.Event) string {
	t.Helper()
	last := events[len(events)-1]
	require.Equal(t, turn.EventDone, last.Type)
	require.NotNil(t, last.Done)
	return last.Done.Reason
}

func TestOrchestrator_PlainTurn(t *testing.T) {
	h := newHarness(t)
	h.prov.steps = []func(provider.ChatRequest) []provider.ChatEvent{
		textStep("Hel", "lo there"),
	}

	ch, err := h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "Hello",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Equal(t, turn.EventRouting, events[0].Type)
	assert.Equal(t, "standard", events[0].Routing.Tier)
	assert.Equal(t, "model-standard", events[0].Routing.Model)

	assert.Equal(t, "Hello there", joinedText(events))
	assert.Equal(t, turn.ReasonOK, doneReason(t, events))

	req := h.prov.lastRequest()
	require.NotEmpty(t, req.Messages)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, provider.MessageRoleUser, last.Role)
	assert.Equal(t, "Hello", last.Content)
	assert.NotEmpty(t, req.SystemPrompt)
}

func TestOrchestrator_ToolLoop(t *testing.T) {
	h := newHarness(t)
	h.prov.steps = []func(provider.ChatRequest) []provider.ChatEvent{
		toolCallStep("call-1", "echo", `{"msg":"hi"}`),
		textStep("Echoed your message."),
	}

	ch, err := h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "Hello",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	starts := eventsOfType(events, turn.EventToolStart)
	ends := eventsOfType(events, turn.EventToolEnd)
	require.Len(t, starts, 1)
	require.Len(t, ends, 1)
	assert.Equal(t, "echo", starts[0].Tool.Name)
	assert.Equal(t, "call-1", starts[0].Tool.CallID)
	assert.Equal(t, "success", ends[0].Tool.Status)

	assert.Equal(t, turn.ReasonOK, doneReason(t, events))
	assert.EqualValues(t, 1, h.echoed.Load())

	// The second model invocation must see the tool result.
	require.Equal(t, 2, h.prov.requestCount())
	req := h.prov.lastRequest()
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, provider.MessageRoleTool, last.Role)
	assert.Equal(t, "call-1", last.ToolCallID)
	assert.Equal(t, "echo", last.ToolName)
	assert.False(t, last.IsError)
	assert.Contains(t, last.Content, "echoed")
}

func TestOrchestrator_HighWriteGated(t *testing.T) {
	h := newHarness(t)
	h.prov.steps = []func(provider.ChatRequest) []provider.ChatEvent{
		toolCallStep("call-1", "crm_update", `{"id":"7"}`),
	}

	ch, err := h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "change the record",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	confs := eventsOfType(events, turn.EventConfirmation)
	require.Len(t, confs, 1)
	payload := confs[0].Confirmation
	assert.NotEmpty(t, payload.ConfirmationID)
	assert.Equal(t, "crm_update", payload.ToolName)
	assert.Equal(t, catalog.RiskHighWrite, payload.RiskLevel)
	assert.Equal(t, `{"id":"7"}`, payload.Parameters)
	assert.False(t, payload.ExpiresAt.IsZero())

	// The call never ran and the model was not re-invoked.
	assert.Empty(t, eventsOfType(events, turn.EventToolStart))
	assert.EqualValues(t, 0, h.crmCalls.Load())
	assert.Equal(t, 1, h.prov.requestCount())
	assert.Equal(t, turn.ReasonOK, doneReason(t, events))

	pending := h.gate.Pending("conv-1")
	require.Len(t, pending, 1)
	assert.Equal(t, payload.ConfirmationID, pending[0].ID)
}

func TestOrchestrator_DestructiveGatedDespiteWildcard(t *testing.T) {
	h := newHarness(t)
	h.prov.steps = []func(provider.ChatRequest) []provider.ChatEvent{
		toolCallStep("call-1", "wipe_data", `{}`),
	}

	ch, err := h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "admin-1", Message: "clean everything out",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, eventsOfType(events, turn.EventConfirmation), 1)
	assert.Empty(t, eventsOfType(events, turn.EventToolStart))
}

func TestOrchestrator_ApproveDecisionExecutesOnce(t *testing.T) {
	h := newHarness(t)
	h.prov.steps = []func(provider.ChatRequest) []provider.ChatEvent{
		toolCallStep("call-1", "crm_update", `{"id":"7"}`),
	}

	ch, err := h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "change the record",
	})
	require.NoError(t, err)
	events := collect(t, ch)
	confID := eventsOfType(events, turn.EventConfirmation)[0].Confirmation.ConfirmationID

	h.prov.steps = []func(provider.ChatRequest) []provider.ChatEvent{
		textStep("Record 7 updated."),
	}
	ch, err = h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "__confirm__:" + confID,
	})
	require.NoError(t, err)
	events = collect(t, ch)

	starts := eventsOfType(events, turn.EventToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, confID, starts[0].Tool.CallID)
	assert.Equal(t, "crm_update", starts[0].Tool.Name)
	assert.Equal(t, "success", eventsOfType(events, turn.EventToolEnd)[0].Tool.Status)
	assert.Equal(t, turn.ReasonOK, doneReason(t, events))
	assert.EqualValues(t, 1, h.crmCalls.Load())

	req := h.prov.lastRequest()
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, provider.MessageRoleTool, last.Role)
	assert.Equal(t, confID, last.ToolCallID)
	assert.False(t, last.IsError)

	// A repeated approval is idempotent: no re-execution, no model call.
	before := h.prov.requestCount()
	ch, err = h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "__confirm__:" + confID,
	})
	require.NoError(t, err)
	events = collect(t, ch)
	assert.Empty(t, eventsOfType(events, turn.EventToolStart))
	assert.Equal(t, turn.ReasonOK, doneReason(t, events))
	assert.EqualValues(t, 1, h.crmCalls.Load())
	assert.Equal(t, before, h.prov.requestCount())
}

func TestOrchestrator_RejectDecisionFeedsToolFailure(t *testing.T) {
	h := newHarness(t)
	h.prov.steps = []func(provider.ChatRequest) []provider.ChatEvent{
		toolCallStep("call-1", "crm_update", `{"id":"7"}`),
	}

	ch, err := h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "change the record",
	})
	require.NoError(t, err)
	events := collect(t, ch)
	confID := eventsOfType(events, turn.EventConfirmation)[0].Confirmation.ConfirmationID

	h.prov.steps = []func(provider.ChatRequest) []provider.ChatEvent{
		textStep("Understood, I will leave the record alone."),
	}
	ch, err = h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "__reject__:" + confID,
	})
	require.NoError(t, err)
	events = collect(t, ch)

	assert.Empty(t, eventsOfType(events, turn.EventToolStart))
	assert.EqualValues(t, 0, h.crmCalls.Load())
	assert.Equal(t, turn.ReasonOK, doneReason(t, events))

	// The rejection reaches the model as a failed tool result.
	req := h.prov.lastRequest()
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, provider.MessageRoleTool, last.Role)
	assert.True(t, last.IsError)
	assert.Contains(t, last.Content, "rejected")
}

func TestOrchestrator_UnknownDecisionIgnored(t *testing.T) {
	h := newHarness(t)

	ch, err := h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "__confirm__:no-such-id",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, turn.ReasonOK, doneReason(t, events))
	assert.Equal(t, 0, h.prov.requestCount())
}

func TestOrchestrator_ToolBudgetExceeded(t *testing.T) {
	h := newHarness(t)
	h.prov.defaultStep = toolCallStep("call-n", "echo", `{"msg":"again"}`)

	ch, err := h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "keep going",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Len(t, eventsOfType(events, turn.EventToolStart), 10)
	assert.EqualValues(t, 10, h.echoed.Load())
	assert.Equal(t, turn.ReasonBudgetExceeded, doneReason(t, events))
}

func TestOrchestrator_ModelStreamFailure(t *testing.T) {
	h := newHarness(t)
	h.prov.steps = []func(provider.ChatRequest) []provider.ChatEvent{
		func(provider.ChatRequest) []provider.ChatEvent {
			return []provider.ChatEvent{{Type: provider.EventTypeError, Error: "upstream 529"}}
		},
	}

	ch, err := h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "Hello",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, turn.ReasonModelFailure, doneReason(t, events))
}

func TestOrchestrator_UnresolvedToolRefused(t *testing.T) {
	h := newHarness(t)
	h.prov.steps = []func(provider.ChatRequest) []provider.ChatEvent{
		toolCallStep("call-1", "hidden_tool", `{}`),
		textStep("I cannot use that tool."),
	}

	ch, err := h.orch.Run(context.Background(), turn.Request{
		ConversationID: "conv-1", UserID: "user-1", Message: "Hello",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Empty(t, eventsOfType(events, turn.EventToolStart))
	assert.Equal(t, turn.ReasonOK, doneReason(t, events))

	// The model is never offered tools the user cannot invoke.
	first := h.prov.requestAt(0)
	for _, def := range first.Tools {
		assert.NotEqual(t, "hidden_tool", def.Name)
	}

	req := h.prov.lastRequest()
	last := req.Messages[len(req.Messages)-1]
	assert.True(t, last.IsError)
	assert.Contains(t, last.Content, "not permitted")
}

func TestOrchestrator_InvalidRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Run(context.Background(), turn.Request{ConversationID: "conv-1"})
	require.Error(t, err)
	assert.True(t, bderr.IsInvalidInput(err))
	assert.True(t, bderr.HasCode(err, bderr.CodeTurnInvalidInput))
}
