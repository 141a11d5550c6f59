// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/backdesk-ai/backdesk/internal/catalog"
	"github.com/backdesk-ai/backdesk/internal/confirm"
	"github.com/backdesk-ai/backdesk/internal/enrich"
	"github.com/backdesk-ai/backdesk/internal/executor"
	"github.com/backdesk-ai/backdesk/internal/metrics"
	"github.com/backdesk-ai/backdesk/internal/provider"
	"github.com/backdesk-ai/backdesk/internal/router"
	"github.com/backdesk-ai/backdesk/internal/security"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

const (
	// defaultMaxToolCallsPerTurn bounds how many tool calls one turn may
	// issue before terminating with a budget-exceeded event.
	defaultMaxToolCallsPerTurn = 10

	// eventBuffer decouples the pipeline from a slow event consumer for
	// short bursts. The send path still blocks (or aborts on cancel) when
	// the buffer is full.
	eventBuffer = 16

	defaultSystemPrompt = "You are a backoffice assistant. Use the available tools to answer accurately; never fabricate tool results."
)

// Request is one inbound user message for one conversation.
type Request struct {
	ConversationID string
	UserID         string
	Message        string
	// History is the prior conversation transcript, maintained by the
	// caller. Tool messages must carry the call ids previously surfaced
	// in tool_start events.
	History []provider.Message
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Provider provider.Provider
	Router   *router.Router
	Enricher *enrich.Enricher // optional; nil disables enrichment
	Catalog  *catalog.Catalog
	Gate     *confirm.Gate
	Executor *executor.Executor
	Resolver security.PermissionResolver
	Metrics  *metrics.Metrics // optional
	Logger   *slog.Logger

	SystemPrompt        string
	MaxToolCallsPerTurn int
}

// Orchestrator drives turns. Safe for concurrent use; turns for different
// conversations share only read-only catalog and permission snapshots.
type Orchestrator struct {
	provider provider.Provider
	router   *router.Router
	enricher *enrich.Enricher
	catalog  *catalog.Catalog
	gate     *confirm.Gate
	executor *executor.Executor
	resolver security.PermissionResolver
	metrics  *metrics.Metrics
	logger   *slog.Logger

	systemPrompt string
	maxToolCalls int
}

// New validates the configuration and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	var missing []string
	if cfg.Provider == nil {
		missing = append(missing, "Provider")
	}
	if cfg.Router == nil {
		missing = append(missing, "Router")
	}
	if cfg.Catalog == nil {
		missing = append(missing, "Catalog")
	}
	if cfg.Gate == nil {
		missing = append(missing, "Gate")
	}
	if cfg.Executor == nil {
		missing = append(missing, "Executor")
	}
	if cfg.Resolver == nil {
		missing = append(missing, "Resolver")
	}
	if len(missing) > 0 {
		return nil, bderr.New(bderr.CodeTurnInvalidInput,
			"missing required config: "+strings.Join(missing, ", "))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxCalls := cfg.MaxToolCallsPerTurn
	if maxCalls <= 0 {
		maxCalls = defaultMaxToolCallsPerTurn
	}
	sysPrompt := cfg.SystemPrompt
	if sysPrompt == "" {
		sysPrompt = defaultSystemPrompt
	}

	return &Orchestrator{
		provider:     cfg.Provider,
		router:       cfg.Router,
		enricher:     cfg.Enricher,
		catalog:      cfg.Catalog,
		gate:         cfg.Gate,
		executor:     cfg.Executor,
		resolver:     cfg.Resolver,
		metrics:      cfg.Metrics,
		logger:       logger,
		systemPrompt: sysPrompt,
		maxToolCalls: maxCalls,
	}, nil
}

// Run starts one turn and returns its event stream. The stream is closed
// after the terminal done event. Cancelling ctx aborts the turn at the next
// suspension point.
func (o *Orchestrator) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ch := make(chan Event, eventBuffer)
	go func() {
		defer close(ch)
		start := time.Now()
		if id, approve, ok := confirm.ParseDecision(req.Message); ok {
			o.runDecision(ctx, ch, req, id, approve, start)
			return
		}
		o.runTurn(ctx, ch, req, start)
	}()
	return ch, nil
}

func validateRequest(req Request) error {
	var missing []string
	if req.ConversationID == "" {
		missing = append(missing, "ConversationID")
	}
	if req.UserID == "" {
		missing = append(missing, "UserID")
	}
	if strings.TrimSpace(req.Message) == "" {
		missing = append(missing, "Message")
	}
	if len(missing) > 0 {
		return bderr.New(bderr.CodeTurnInvalidInput,
			"missing required fields: "+strings.Join(missing, ", "),
			bderr.FieldConversationID(req.ConversationID),
			bderr.FieldUserID(req.UserID),
		)
	}
	return nil
}

// turnState is the read-only per-turn context shared by the stream loop.
type turnState struct {
	conversationID string
	userID         string
	tier           string
	model          string
	snap           *catalog.Snapshot
	perms          security.PermissionSet
	allowed        map[string]struct{}
	defs           []provider.ToolDefinition
	system         string
	start          time.Time
}

func (o *Orchestrator) runTurn(ctx context.Context, ch chan<- Event, req Request, start time.Time) {
	sel := o.router.Select(ctx, req.Message)
	if !o.send(ctx, ch, routingEvent(string(sel.Tier), sel.Model)) {
		o.count(ReasonCancelled)
		return
	}

	perms := o.resolvePermissions(ctx, req.UserID)

	ec, err := o.enrichContext(ctx, req)
	if err != nil {
		// Only parent cancellation surfaces here; source failures degrade.
		o.finish(ctx, ch, string(sel.Tier), ReasonCancelled, start)
		return
	}

	ts := o.newTurnState(req, sel, perms, start)
	ts.system = BuildSystemPrompt(o.systemPrompt, ec)

	messages := make([]provider.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, provider.Message{Role: provider.MessageRoleUser, Content: req.Message})

	o.streamLoop(ctx, ch, ts, messages, 0)
}

// runDecision handles a __confirm__/__reject__ message. Unknown ids are
// ignored rather than erroring, since a stale client may reference an
// already-swept record.
func (o *Orchestrator) runDecision(ctx context.Context, ch chan<- Event, req Request, id string, approve bool, start time.Time) {
	conf, transitioned, err := o.gate.Decide(ctx, id, approve, req.UserID)
	switch {
	case bderr.IsNotFound(err):
		o.finish(ctx, ch, "", ReasonOK, start)
		return
	case bderr.IsExpired(err):
		o.countConfirmation("expired")
		o.send(ctx, ch, tokenEvent("This request is no longer valid. Please ask again."))
		o.finish(ctx, ch, "", ReasonOK, start)
		return
	case err != nil:
		o.logger.ErrorContext(ctx, "confirmation decision failed",
			"confirmation_id", id, "error", err)
		o.finish(ctx, ch, "", ReasonOK, start)
		return
	}

	if !transitioned {
		// Repeated decision on a terminal record: idempotent, and never
		// re-executes the underlying call.
		o.finish(ctx, ch, "", ReasonOK, start)
		return
	}

	// Decision messages carry no classifiable content; route to the
	// default tier.
	sel := o.router.Select(ctx, "")
	if !o.send(ctx, ch, routingEvent(string(sel.Tier), sel.Model)) {
		o.count(ReasonCancelled)
		return
	}

	perms := o.resolvePermissions(ctx, req.UserID)
	ts := o.newTurnState(req, sel, perms, start)
	ts.system = BuildSystemPrompt(o.systemPrompt, nil)

	var feedback provider.Message
	used := 0
	if approve {
		o.countConfirmation("approved")
		result, isErr := o.execute(ctx, ch, executor.Request{
			ConversationID: req.ConversationID,
			UserID:         req.UserID,
			CallID:         conf.ID,
			Tool:           conf.ToolName,
			Arguments:      conf.Parameters,
			OneShot:        true,
		})
		feedback = provider.Message{
			Role:       provider.MessageRoleTool,
			Content:    result,
			ToolCallID: conf.ID,
			ToolName:   conf.ToolName,
			IsError:    isErr,
		}
		used = 1
	} else {
		o.countConfirmation("rejected")
		feedback = provider.Message{
			Role:       provider.MessageRoleTool,
			Content:    "error: the user rejected this call",
			ToolCallID: conf.ID,
			ToolName:   conf.ToolName,
			IsError:    true,
		}
	}

	messages := make([]provider.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, feedback)

	o.streamLoop(ctx, ch, ts, messages, used)
}

// streamLoop invokes the model and runs the bounded tool loop until the
// model stops requesting tools, a confirmation interrupts the turn, the
// budget is exhausted, or the stream fails.
func (o *Orchestrator) streamLoop(ctx context.Context, ch chan<- Event, ts *turnState, messages []provider.Message, used int) {
	for {
		eventCh, err := o.provider.Chat(ctx, provider.ChatRequest{
			Model:        ts.model,
			Messages:     messages,
			Tools:        ts.defs,
			SystemPrompt: ts.system,
		})
		if err != nil {
			o.logger.ErrorContext(ctx, "model invocation failed",
				"conversation_id", ts.conversationID, "model", ts.model, "error", err)
			o.finish(ctx, ch, ts.tier, ReasonModelFailure, ts.start)
			return
		}

		text, toolCalls, usage, streamErr := o.pump(ctx, ch, eventCh)
		o.recordUsage(ts.model, usage)
		if streamErr != nil {
			if ctx.Err() != nil {
				o.finish(ctx, ch, ts.tier, ReasonCancelled, ts.start)
				return
			}
			o.logger.ErrorContext(ctx, "model stream failed",
				"conversation_id", ts.conversationID, "model", ts.model, "error", streamErr)
			o.finish(ctx, ch, ts.tier, ReasonModelFailure, ts.start)
			return
		}
		if ctx.Err() != nil {
			o.finish(ctx, ch, ts.tier, ReasonCancelled, ts.start)
			return
		}

		if len(toolCalls) == 0 {
			o.finish(ctx, ch, ts.tier, ReasonOK, ts.start)
			return
		}

		if text != "" {
			messages = append(messages, provider.Message{
				Role:    provider.MessageRoleAssistant,
				Content: text,
			})
		}

		awaiting := false
		for _, tc := range toolCalls {
			if used >= o.maxToolCalls {
				o.logger.WarnContext(ctx, "tool budget exceeded",
					"conversation_id", ts.conversationID, "budget", o.maxToolCalls)
				o.finish(ctx, ch, ts.tier, ReasonBudgetExceeded, ts.start)
				return
			}
			used++

			result, isErr, pending := o.dispatchCall(ctx, ch, ts, tc)
			if pending {
				awaiting = true
				continue
			}
			messages = append(messages, provider.Message{
				Role:       provider.MessageRoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				IsError:    isErr,
			})
		}

		if awaiting {
			// The turn ends here; an approval or rejection arrives as a
			// later decision message and resumes with a fresh turn.
			o.finish(ctx, ch, ts.tier, ReasonOK, ts.start)
			return
		}
	}
}

// dispatchCall runs one model-requested tool call through the permission
// check, the confirmation gate, and the executor. pending reports that a
// confirmation was created and no result exists yet.
func (o *Orchestrator) dispatchCall(ctx context.Context, ch chan<- Event, ts *turnState, tc *provider.ToolCall) (result string, isErr bool, pending bool) {
	desc, ok := ts.snap.Lookup(tc.Name)
	if !ok {
		return fmt.Sprintf("error: tool %q is not available", tc.Name), true, false
	}
	if _, ok := ts.allowed[tc.Name]; !ok {
		// The model was never offered this tool; refuse regardless of
		// what it claims.
		o.logger.WarnContext(ctx, "model requested unresolved tool",
			"conversation_id", ts.conversationID, "tool", tc.Name, "user_id", ts.userID)
		return fmt.Sprintf("error: tool %q is not permitted for this user", tc.Name), true, false
	}

	verdict, conf, err := o.gate.Check(ctx, ts.conversationID, desc, tc.Arguments, ts.perms)
	if err != nil {
		if bderr.IsCapacity(err) {
			o.countConfirmation("capacity_denied")
			o.send(ctx, ch, tokenEvent("Too many pending approvals for this conversation. Resolve or wait for them to expire before requesting more changes."))
			return "error: too many pending approvals, the call was not scheduled", true, false
		}
		return "error: " + err.Error(), true, false
	}

	if verdict == confirm.VerdictConfirm {
		o.countConfirmation("created")
		o.send(ctx, ch, Event{Type: EventConfirmation, Confirmation: &ConfirmationPayload{
			ConfirmationID: conf.ID,
			ToolName:       conf.ToolName,
			RiskLevel:      conf.RiskLevel,
			Parameters:     conf.Parameters,
			ExpiresAt:      conf.ExpiresAt,
		}})
		return "", false, true
	}

	result, isErr = o.execute(ctx, ch, executor.Request{
		ConversationID: ts.conversationID,
		UserID:         ts.userID,
		CallID:         tc.ID,
		Tool:           tc.Name,
		Arguments:      tc.Arguments,
	})
	return result, isErr, false
}

// execute runs one released tool call, bracketing it with tool_start and
// tool_end events. Failures come back as an error-marked tool result so the
// model can see them and adjust.
func (o *Orchestrator) execute(ctx context.Context, ch chan<- Event, req executor.Request) (string, bool) {
	o.send(ctx, ch, toolStartEvent(req.CallID, req.Tool))
	output, err := o.executor.Execute(ctx, req)
	if err != nil {
		o.send(ctx, ch, toolEndEvent(req.CallID, req.Tool, "failure", err.Error()))
		return "error: " + err.Error(), true
	}
	o.send(ctx, ch, toolEndEvent(req.CallID, req.Tool, "success", ""))
	return output, false
}

// pump drains one model stream, forwarding text deltas as token events and
// collecting tool calls and usage.
func (o *Orchestrator) pump(ctx context.Context, ch chan<- Event, eventCh <-chan provider.ChatEvent) (string, []*provider.ToolCall, *provider.Usage, error) {
	var buf strings.Builder
	var toolCalls []*provider.ToolCall
	var usage *provider.Usage
	var streamErr error

	for ev := range eventCh {
		switch ev.Type {
		case provider.EventTypeTextDelta:
			buf.WriteString(ev.Text)
			o.send(ctx, ch, tokenEvent(ev.Text))
		case provider.EventTypeToolCall:
			if ev.ToolCall != nil {
				toolCalls = append(toolCalls, ev.ToolCall)
			}
		case provider.EventTypeUsage:
			usage = ev.Usage
		case provider.EventTypeDone:
			if ev.Usage != nil {
				usage = ev.Usage
			}
		case provider.EventTypeError:
			streamErr = bderr.New(bderr.CodeTurnModelFailure, ev.Error)
		}
	}
	return buf.String(), toolCalls, usage, streamErr
}

func (o *Orchestrator) newTurnState(req Request, sel router.Selection, perms security.PermissionSet, start time.Time) *turnState {
	snap := o.catalog.Snapshot()
	visible := catalog.Resolve(snap, perms)
	allowed := make(map[string]struct{}, len(visible))
	for _, d := range visible {
		allowed[d.Name] = struct{}{}
	}
	return &turnState{
		conversationID: req.ConversationID,
		userID:         req.UserID,
		tier:           string(sel.Tier),
		model:          sel.Model,
		snap:           snap,
		perms:          perms,
		allowed:        allowed,
		defs:           toolDefs(visible),
		start:          start,
	}
}

// resolvePermissions fails closed: a resolver error denies everything
// rather than aborting the turn, and never grants by fallback.
func (o *Orchestrator) resolvePermissions(ctx context.Context, userID string) security.PermissionSet {
	perms, err := o.resolver.Resolve(ctx, userID)
	if err != nil {
		o.logger.ErrorContext(ctx, "permission resolution failed, denying all tools",
			"user_id", userID, "error", err)
		return security.NewPermissionSet()
	}
	return perms
}

func (o *Orchestrator) enrichContext(ctx context.Context, req Request) (*enrich.Context, error) {
	if o.enricher == nil {
		return nil, nil
	}
	ec, err := o.enricher.Enrich(ctx, req.ConversationID, req.UserID, req.Message)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		for _, src := range ec.DegradedSources {
			o.metrics.DegradedRetrievals.WithLabelValues(src).Inc()
		}
	}
	return ec, nil
}

func toolDefs(tools []*catalog.ToolDescriptor) []provider.ToolDefinition {
	defs := make([]provider.ToolDefinition, 0, len(tools))
	for _, d := range tools {
		defs = append(defs, provider.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return defs
}

// finish emits the terminal done event and records turn metrics.
func (o *Orchestrator) finish(ctx context.Context, ch chan<- Event, tier, reason string, start time.Time) {
	o.count(reason)
	if o.metrics != nil && tier != "" {
		o.metrics.TurnDuration.WithLabelValues(tier).Observe(time.Since(start).Seconds())
	}
	o.send(ctx, ch, doneEvent(reason))
}

func (o *Orchestrator) count(outcome string) {
	if o.metrics != nil {
		o.metrics.TurnCounter.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) countConfirmation(state string) {
	if o.metrics != nil {
		o.metrics.Confirmations.WithLabelValues(state).Inc()
	}
}

func (o *Orchestrator) recordUsage(model string, usage *provider.Usage) {
	if usage == nil || o.metrics == nil {
		return
	}
	o.metrics.ModelTokens.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	o.metrics.ModelTokens.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
}

// send delivers one event, aborting if the turn is cancelled while the
// consumer is not keeping up.
func (o *Orchestrator) send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
