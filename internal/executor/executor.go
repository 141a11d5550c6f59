// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package executor runs approved tool calls: builtins in-process, external
// tools over HTTP with credential injection, per-call timeouts, and bounded
// retry on transient failures. Every execution is audited before control
// returns to the orchestrator.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/backdesk-ai/backdesk/internal/catalog"
	"github.com/backdesk-ai/backdesk/internal/metrics"
	"github.com/backdesk-ai/backdesk/internal/store"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// DefaultTimeout bounds tool calls whose descriptor declares none.
const DefaultTimeout = 30 * time.Second

// Request is one approved tool call.
type Request struct {
	ConversationID string
	UserID         string
	CallID         string
	Tool           string
	Arguments      string // JSON
	// OneShot marks a call released by an explicit confirmation
	// approval. Such calls never retry: the user approved exactly one
	// execution.
	OneShot bool
}

// BuiltinFunc handles an internal tool in-process.
type BuiltinFunc func(ctx context.Context, req Request) (string, error)

// Adapter dispatches an external tool call.
type Adapter interface {
	Call(ctx context.Context, desc *catalog.ToolDescriptor, req Request) (string, error)
}

// Executor validates, dispatches, retries, and audits tool calls.
type Executor struct {
	catalog  *catalog.Catalog
	adapter  Adapter
	audit    store.AuditStore
	metrics  *metrics.Metrics
	logger   *slog.Logger
	builtins map[string]BuiltinFunc

	auditFailures atomic.Int64
	sleepFunc     func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithSleepFunc overrides the retry backoff sleeper (for testing).
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleepFunc = fn
		}
	}
}

// New creates an Executor.
func New(cat *catalog.Catalog, adapter Adapter, audit store.AuditStore, opts ...Option) *Executor {
	e := &Executor{
		catalog:   cat,
		adapter:   adapter,
		audit:     audit,
		logger:    slog.Default(),
		builtins:  make(map[string]BuiltinFunc),
		sleepFunc: sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterBuiltin installs an in-process handler. Builtins win over the
// adapter when a descriptor is marked builtin.
func (e *Executor) RegisterBuiltin(name string, fn BuiltinFunc) {
	e.builtins[name] = fn
}

// Execute runs one tool call end to end. The error, when non-nil, carries
// a code the orchestrator can map to user-visible behavior; the string
// result is the tool output to feed back to the model.
func (e *Executor) Execute(ctx context.Context, req Request) (string, error) {
	snap := e.catalog.Snapshot()
	desc, ok := snap.Lookup(req.Tool)
	if !ok {
		e.recordAudit(ctx, req, "", "failure: unknown tool")
		e.countOutcome(req.Tool, "failure")
		return "", bderr.New(bderr.CodeCatalogToolNotFound, "tool not found", bderr.FieldTool(req.Tool))
	}

	if err := desc.ValidateArgs(req.Arguments); err != nil {
		e.recordAudit(ctx, req, string(desc.RiskLevel), "failure: invalid arguments")
		e.countOutcome(req.Tool, "failure")
		return "", err
	}

	start := time.Now()
	output, err := e.dispatch(ctx, desc, req)
	if e.metrics != nil {
		e.metrics.ToolDuration.WithLabelValues(req.Tool).Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		e.recordAudit(ctx, req, string(desc.RiskLevel), "success")
		e.countOutcome(req.Tool, "success")
	case bderr.IsTimeout(err):
		e.recordAudit(ctx, req, string(desc.RiskLevel), "failure: timeout")
		e.countOutcome(req.Tool, "timeout")
	default:
		e.recordAudit(ctx, req, string(desc.RiskLevel), "failure: "+string(bderr.CodeOf(err)))
		e.countOutcome(req.Tool, "failure")
	}

	return output, err
}

// dispatch routes to the builtin registry or the external adapter, applying
// the descriptor's timeout and retry policy.
func (e *Executor) dispatch(ctx context.Context, desc *catalog.ToolDescriptor, req Request) (string, error) {
	if desc.Builtin {
		fn, ok := e.builtins[desc.Name]
		if !ok {
			return "", bderr.New(bderr.CodeExecutorBuiltinNotFound,
				"builtin handler not registered", bderr.FieldTool(desc.Name))
		}
		return e.callOnce(ctx, desc, func(cctx context.Context) (string, error) {
			return fn(cctx, req)
		})
	}

	if e.adapter == nil {
		return "", bderr.New(bderr.CodeExecutorCallRejected,
			"no external adapter configured", bderr.FieldTool(desc.Name))
	}

	call := func(cctx context.Context) (string, error) {
		return e.adapter.Call(cctx, desc, req)
	}

	maxAttempts := desc.Retry.MaxAttempts
	if maxAttempts <= 0 || req.OneShot {
		maxAttempts = 1
	}
	backoff := desc.Retry.Backoff.Std()
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, err := e.callOnce(ctx, desc, call)
		if err == nil {
			return output, nil
		}
		lastErr = err

		// Only transient failures (network errors, upstream 5xx) retry.
		// Validation failures and rejections are final.
		if !bderr.IsTransient(err) && !bderr.IsTimeout(err) {
			return "", err
		}
		if attempt == maxAttempts {
			break
		}

		e.logger.WarnContext(ctx, "transient tool failure, retrying",
			"tool", desc.Name, "attempt", attempt, "error", err)
		if err := e.sleepFunc(ctx, backoff); err != nil {
			return "", bderr.Wrapf(err, bderr.CodeTurnCancelled, "cancelled during retry backoff")
		}
		backoff *= 2
	}

	if maxAttempts > 1 {
		return "", bderr.Wrap(lastErr, bderr.CodeExecutorRetriesExhausted,
			"tool call failed after retries",
			bderr.FieldTool(desc.Name), bderr.Field("attempts", maxAttempts))
	}
	return "", lastErr
}

// callOnce applies the per-call timeout and maps a deadline hit to the
// executor timeout code.
func (e *Executor) callOnce(ctx context.Context, desc *catalog.ToolDescriptor, call func(context.Context) (string, error)) (string, error) {
	timeout := desc.Timeout.Std()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := call(cctx)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", bderr.Wrapf(err, bderr.CodeExecutorCallTimeout,
				"tool call exceeded %s timeout", timeout)
		}
		return "", err
	}
	return output, nil
}

// recordAudit writes one audit entry. Auditing is best-effort: a failing
// audit sink never fails the tool call, but it is logged loudly.
func (e *Executor) recordAudit(ctx context.Context, req Request, riskLevel, result string) {
	if e.audit == nil {
		return
	}

	entry := &store.AuditEntry{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Action:         "tool_execution",
		Actor:          req.UserID,
		ConversationID: req.ConversationID,
		Tool:           req.Tool,
		RiskLevel:      riskLevel,
		Details: map[string]any{
			"call_id":   req.CallID,
			"arguments": truncateArgs(req.Arguments),
			"one_shot":  req.OneShot,
		},
		Result: result,
	}

	if err := e.audit.Append(ctx, entry); err != nil {
		n := e.auditFailures.Add(1)
		e.logger.ErrorContext(ctx, "audit append failed",
			"tool", req.Tool, "consecutive_failures", n, "error", err)
		return
	}
	e.auditFailures.Store(0)
}

func (e *Executor) countOutcome(tool, outcome string) {
	if e.metrics != nil {
		e.metrics.ToolExecutions.WithLabelValues(tool, outcome).Inc()
	}
}

// truncateArgs bounds the audited argument snapshot at 1024 bytes, walking
// back to a rune boundary so the stored JSON fragment stays valid UTF-8.
func truncateArgs(args string) string {
	const maxArgLen = 1024
	if len(args) <= maxArgLen {
		return args
	}
	i := maxArgLen
	for i > 0 && !utf8.RuneStart(args[i]) {
		i--
	}
	return args[:i]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rawArgs decodes a request's JSON arguments for builtin handlers.
func rawArgs(req Request) (map[string]any, error) {
	var m map[string]any
	if req.Arguments == "" {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal([]byte(req.Arguments), &m); err != nil {
		return nil, bderr.Wrapf(err, bderr.CodeExecutorArgsInvalid, "decoding builtin arguments")
	}
	return m, nil
}
