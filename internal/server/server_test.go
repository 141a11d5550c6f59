// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backdesk-ai/backdesk/internal/catalog"
	"github.com/backdesk-ai/backdesk/internal/confirm"
	"github.com/backdesk-ai/backdesk/internal/metrics"
	"github.com/backdesk-ai/backdesk/internal/security"
	"github.com/backdesk-ai/backdesk/internal/server"
	"github.com/backdesk-ai/backdesk/internal/turn"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// fakeRunner plays back canned turn events, mirroring the orchestrator's
// input validation and, when given a gate, its decision handling: a fresh
// approval transitions the record and releases one execution.
type fakeRunner struct {
	events     []turn.Event
	gate       *confirm.Gate
	last       turn.Request
	runs       int
	executions int
}

func (f *fakeRunner) Run(_ context.Context, req turn.Request) (<-chan turn.Event, error) {
	if req.ConversationID == "" || req.UserID == "" || req.Message == "" {
		return nil, bderr.New(bderr.CodeTurnInvalidInput, "missing required fields")
	}
	f.last = req
	f.runs++
	if id, approve, ok := confirm.ParseDecision(req.Message); ok && f.gate != nil {
		return f.runDecision(id, approve, req.UserID), nil
	}
	ch := make(chan turn.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeRunner) runDecision(id string, approve bool, decidedBy string) <-chan turn.Event {
	ch := make(chan turn.Event, 4)
	conf, transitioned, err := f.gate.Decide(context.Background(), id, approve, decidedBy)
	if err == nil && transitioned && approve {
		f.executions++
		ch <- turn.Event{Type: turn.EventToolStart, Tool: &turn.ToolPayload{CallID: conf.ID, Name: conf.ToolName}}
		ch <- turn.Event{Type: turn.EventToolEnd, Tool: &turn.ToolPayload{CallID: conf.ID, Name: conf.ToolName, Status: "success"}}
	}
	ch <- turn.Event{Type: turn.EventDone, Done: &turn.DonePayload{Reason: turn.ReasonOK}}
	close(ch)
	return ch
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.NewFromDescriptors([]*catalog.ToolDescriptor{
		{Name: "echo", Description: "echo input", RiskLevel: catalog.RiskRead, Permissions: []string{"crm:read"}, Builtin: true},
		{Name: "crm_update", Description: "update a record", RiskLevel: catalog.RiskHighWrite, Permissions: []string{"crm:write"}, Builtin: true},
	})
	require.NoError(t, err)
	return cat
}

func newTestServer(t *testing.T, runner server.TurnRunner, gate *confirm.Gate) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
		Gatherer:   prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	srv.RegisterServices(&server.Services{
		Runner:  runner,
		Gate:    gate,
		Catalog: testCatalog(t),
	})
	return srv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, confirm.NewGate())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.TurnCounter.WithLabelValues("ok").Inc()

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0", Gatherer: reg})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "backdesk_turns_total")
}

func turnStreamBody(t *testing.T, conversationID, userID, message string) *strings.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"user_id":         userID,
		"message":         message,
	})
	require.NoError(t, err)
	return strings.NewReader(string(body))
}

func TestTurnStream_SSE(t *testing.T) {
	runner := &fakeRunner{events: []turn.Event{
		{Type: turn.EventRouting, Routing: &turn.RoutingPayload{Tier: "standard", Model: "claude-sonnet-4-5"}},
		{Type: turn.EventToken, Text: "Hello"},
		{Type: turn.EventDone, Done: &turn.DonePayload{Reason: turn.ReasonOK}},
	}}
	srv := newTestServer(t, runner, confirm.NewGate())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/turn/stream", turnStreamBody(t, "conv-1", "user-1", "Hello"))
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: routing\n")
	assert.Contains(t, body, "event: token\n")
	assert.Contains(t, body, "event: done\n")
	assert.Contains(t, body, `"reason":"ok"`)
}

func TestTurnStream_JSON(t *testing.T) {
	runner := &fakeRunner{events: []turn.Event{
		{Type: turn.EventToken, Text: "Hi"},
		{Type: turn.EventDone, Done: &turn.DonePayload{Reason: turn.ReasonOK}},
	}}
	srv := newTestServer(t, runner, confirm.NewGate())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/turn/stream", turnStreamBody(t, "conv-1", "user-1", "Hello"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []turn.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, turn.EventToken, resp.Events[0].Type)
	assert.Equal(t, turn.EventDone, resp.Events[1].Type)
}

func TestTurnStream_MissingFields(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, confirm.NewGate())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/turn/stream", turnStreamBody(t, "conv-1", "", ""))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTurnStream_NoRunner(t *testing.T) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0", Gatherer: prometheus.NewRegistry()})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/turn/stream", turnStreamBody(t, "conv-1", "user-1", "Hello"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTurnStream_HistoryForwarded(t *testing.T) {
	runner := &fakeRunner{events: []turn.Event{
		{Type: turn.EventDone, Done: &turn.DonePayload{Reason: turn.ReasonOK}},
	}}
	srv := newTestServer(t, runner, confirm.NewGate())

	body, err := json.Marshal(map[string]any{
		"conversation_id": "conv-1",
		"user_id":         "user-1",
		"message":         "and now?",
		"history": []map[string]any{
			{"role": "user", "content": "first question"},
			{"role": "assistant", "content": "first answer"},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/turn/stream", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runner.last.History, 2)
	assert.Equal(t, "first question", runner.last.History[0].Content)
}

func pendingConfirmation(t *testing.T, gate *confirm.Gate) *confirm.Confirmation {
	t.Helper()
	desc, ok := testCatalog(t).Snapshot().Lookup("crm_update")
	require.True(t, ok)
	verdict, conf, err := gate.Check(context.Background(), "conv-1", desc, `{"id":"7"}`, security.NewPermissionSet("crm:write"))
	require.NoError(t, err)
	require.Equal(t, confirm.VerdictConfirm, verdict)
	return conf
}

func TestConfirmations_ListAndDecide(t *testing.T) {
	gate := confirm.NewGate()
	runner := &fakeRunner{gate: gate}
	srv := newTestServer(t, runner, gate)
	conf := pendingConfirmation(t, gate)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/conv-1/confirmations", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), conf.ID)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)

	// Approving releases the gated call through the turn runner.
	decision := strings.NewReader(`{"approve":true,"decided_by":"user-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations/"+conf.ID+"/decision", decision)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"approved"`)
	assert.Contains(t, rec.Body.String(), `"transitioned":true`)
	assert.Contains(t, rec.Body.String(), `"tool_start"`)
	assert.Equal(t, 1, runner.executions)
	assert.Equal(t, confirm.ApproveMessage(conf.ID), runner.last.Message)
	assert.Equal(t, "conv-1", runner.last.ConversationID)
	assert.Equal(t, "user-1", runner.last.UserID)

	// A repeated decision is an idempotent no-op that never reaches the
	// runner or re-executes the call.
	decision = strings.NewReader(`{"approve":false,"decided_by":"user-1"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/confirmations/"+conf.ID+"/decision", decision)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"approved"`)
	assert.Contains(t, rec.Body.String(), `"transitioned":false`)
	assert.Equal(t, 1, runner.runs)
	assert.Equal(t, 1, runner.executions)
}

func TestConfirmations_RejectDoesNotExecute(t *testing.T) {
	gate := confirm.NewGate()
	runner := &fakeRunner{gate: gate}
	srv := newTestServer(t, runner, gate)
	conf := pendingConfirmation(t, gate)

	decision := strings.NewReader(`{"approve":false,"decided_by":"user-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations/"+conf.ID+"/decision", decision)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"rejected"`)
	assert.Contains(t, rec.Body.String(), `"transitioned":true`)
	assert.Equal(t, confirm.RejectMessage(conf.ID), runner.last.Message)
	assert.Equal(t, 0, runner.executions)
}

func TestConfirmations_DecideExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate := confirm.NewGate(confirm.WithNowFunc(func() time.Time { return now }))
	runner := &fakeRunner{gate: gate}
	srv := newTestServer(t, runner, gate)
	conf := pendingConfirmation(t, gate)

	now = now.Add(confirm.DefaultTTL + time.Second)

	decision := strings.NewReader(`{"approve":true,"decided_by":"user-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations/"+conf.ID+"/decision", decision)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, 0, runner.runs)
	assert.Equal(t, 0, runner.executions)
}

func TestConfirmations_DecideUnknown(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, confirm.NewGate())

	decision := strings.NewReader(`{"approve":true,"decided_by":"user-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations/no-such-id/decision", decision)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCatalogRoutes(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, confirm.NewGate())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"echo"`)
	assert.Contains(t, rec.Body.String(), `"high_write"`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tools/crm_update", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"crm_update"`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tools/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
