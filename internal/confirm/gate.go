// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package confirm implements the confirmation gate for risk-gated tool
// calls. The gate decides, from a tool's declared risk level and the
// caller's permissions, whether a call may proceed directly or must wait
// for an explicit user decision. Enforcement is driven entirely by the
// tool descriptor; nothing the model says can bypass it.
package confirm

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/backdesk-ai/backdesk/internal/catalog"
	"github.com/backdesk-ai/backdesk/internal/security"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// Status is the lifecycle state of a pending confirmation.
// All states except StatusPending are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool { return s != StatusPending }

const (
	// DefaultTTL is how long a confirmation stays decidable.
	DefaultTTL = 300 * time.Second

	// MaxPendingPerConversation caps simultaneously pending confirmations
	// for one conversation. Creation beyond the cap fails; nothing is
	// evicted.
	MaxPendingPerConversation = 10

	// DefaultSweepInterval is how often the background sweeper expires
	// stale records.
	DefaultSweepInterval = 10 * time.Second
)

// Confirmation is one gated tool call awaiting (or past) a user decision.
type Confirmation struct {
	ID             string
	ConversationID string
	ToolName       string
	RiskLevel      catalog.RiskLevel
	// Parameters is the argument snapshot the call was gated with; an
	// approval releases exactly these arguments, never re-read ones.
	Parameters string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Status     Status
	DecidedAt  time.Time
	DecidedBy  string
}

// clone returns a copy safe to hand outside the gate's lock.
func (c *Confirmation) clone() *Confirmation {
	cp := *c
	return &cp
}

// Verdict is the gate's answer for one tool call.
type Verdict int

const (
	// VerdictProceed means the call may execute immediately.
	VerdictProceed Verdict = iota
	// VerdictConfirm means the call was intercepted and a pending
	// confirmation was created.
	VerdictConfirm
)

// conversationState holds one conversation's confirmations under its own
// lock, so decisions in different conversations never contend.
type conversationState struct {
	mu      sync.Mutex
	records map[string]*Confirmation
}

// Gate owns the pending-confirmation registry and its state machine.
type Gate struct {
	mu            sync.Mutex
	conversations map[string]*conversationState
	byID          map[string]*conversationState

	ttl     time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time

	sweepOnce sync.Once
	stopOnce  sync.Once
	sweeping  atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithTTL overrides the confirmation TTL.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithLogger sets the gate's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithNowFunc overrides the time source (for testing).
func WithNowFunc(fn func() time.Time) Option {
	return func(g *Gate) {
		if fn != nil {
			g.nowFunc = fn
		}
	}
}

// NewGate creates a confirmation gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		conversations: make(map[string]*conversationState),
		byID:          make(map[string]*conversationState),
		ttl:           DefaultTTL,
		logger:        slog.Default(),
		nowFunc:       time.Now,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check evaluates one tool call against the gate. Read and low-write calls
// proceed directly. High-write calls proceed only for wildcard holders.
// Destructive calls are always intercepted; the wildcard grants no bypass.
// When the verdict is VerdictConfirm the returned confirmation is pending.
func (g *Gate) Check(ctx context.Context, conversationID string, desc *catalog.ToolDescriptor, args string, perms security.PermissionSet) (Verdict, *Confirmation, error) {
	if !desc.RiskLevel.RequiresConfirmation() {
		return VerdictProceed, nil, nil
	}
	if desc.RiskLevel == catalog.RiskHighWrite && perms.HasWildcard() {
		g.logger.DebugContext(ctx, "wildcard bypass for high_write tool",
			"conversation_id", conversationID, "tool", desc.Name)
		return VerdictProceed, nil, nil
	}

	conf, err := g.create(conversationID, desc, args)
	if err != nil {
		return VerdictConfirm, nil, err
	}
	return VerdictConfirm, conf, nil
}

func (g *Gate) create(conversationID string, desc *catalog.ToolDescriptor, args string) (*Confirmation, error) {
	cs := g.conversation(conversationID, true)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := g.nowFunc()
	g.expireLocked(cs, now)

	pending := 0
	for _, c := range cs.records {
		if c.Status == StatusPending {
			pending++
		}
	}
	if pending >= MaxPendingPerConversation {
		return nil, bderr.New(bderr.CodeGateCapacityExceeded,
			"too many pending confirmations for conversation",
			bderr.FieldConversationID(conversationID),
			bderr.Field("pending", pending),
		)
	}

	conf := &Confirmation{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ToolName:       desc.Name,
		RiskLevel:      desc.RiskLevel,
		Parameters:     args,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.ttl),
		Status:         StatusPending,
	}
	cs.records[conf.ID] = conf

	g.mu.Lock()
	g.byID[conf.ID] = cs
	g.mu.Unlock()

	return conf.clone(), nil
}

// Decide applies a user decision to a confirmation. Deciding a terminal
// record is an idempotent no-op that returns the record unchanged with
// transitioned=false; the caller must not re-execute on a repeated approval.
// Deciding a record past its expiry transitions it to expired and fails with
// an expiry error.
func (g *Gate) Decide(ctx context.Context, id string, approve bool, decidedBy string) (conf *Confirmation, transitioned bool, err error) {
	cs := g.lookup(id)
	if cs == nil {
		return nil, false, bderr.New(bderr.CodeGateConfirmationNotFound,
			"confirmation not found", bderr.FieldConfirmationID(id))
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	conf, ok := cs.records[id]
	if !ok {
		return nil, false, bderr.New(bderr.CodeGateConfirmationNotFound,
			"confirmation not found", bderr.FieldConfirmationID(id))
	}

	now := g.nowFunc()
	if conf.Status == StatusPending && !now.Before(conf.ExpiresAt) {
		conf.Status = StatusExpired
		conf.DecidedAt = conf.ExpiresAt
	}

	if conf.Status.Terminal() {
		if conf.Status == StatusExpired {
			return conf.clone(), false, bderr.New(bderr.CodeGateConfirmationExpired,
				"confirmation expired before decision",
				bderr.FieldConfirmationID(id), bderr.FieldTool(conf.ToolName))
		}
		// Repeated decision on an already-decided record.
		return conf.clone(), false, nil
	}

	if approve {
		conf.Status = StatusApproved
	} else {
		conf.Status = StatusRejected
	}
	conf.DecidedAt = now
	conf.DecidedBy = decidedBy

	g.logger.InfoContext(ctx, "confirmation decided",
		"confirmation_id", id,
		"conversation_id", conf.ConversationID,
		"tool", conf.ToolName,
		"status", string(conf.Status),
	)
	return conf.clone(), true, nil
}

// Get returns a confirmation by ID, applying lazy expiry first.
func (g *Gate) Get(id string) (*Confirmation, error) {
	cs := g.lookup(id)
	if cs == nil {
		return nil, bderr.New(bderr.CodeGateConfirmationNotFound,
			"confirmation not found", bderr.FieldConfirmationID(id))
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	conf, ok := cs.records[id]
	if !ok {
		return nil, bderr.New(bderr.CodeGateConfirmationNotFound,
			"confirmation not found", bderr.FieldConfirmationID(id))
	}
	if conf.Status == StatusPending && !g.nowFunc().Before(conf.ExpiresAt) {
		conf.Status = StatusExpired
		conf.DecidedAt = conf.ExpiresAt
	}
	return conf.clone(), nil
}

// Pending returns the conversation's pending confirmations, oldest first.
func (g *Gate) Pending(conversationID string) []*Confirmation {
	cs := g.conversation(conversationID, false)
	if cs == nil {
		return nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	g.expireLocked(cs, g.nowFunc())

	var out []*Confirmation
	for _, c := range cs.records {
		if c.Status == StatusPending {
			out = append(out, c.clone())
		}
	}
	sortByCreation(out)
	return out
}

// Sweep transitions every over-age pending record to expired and returns
// how many records it expired. The sweep is the backstop that guarantees
// eventual termination even for turns that were cancelled mid-flight.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	states := make([]*conversationState, 0, len(g.conversations))
	for _, cs := range g.conversations {
		states = append(states, cs)
	}
	g.mu.Unlock()

	now := g.nowFunc()
	expired := 0
	for _, cs := range states {
		cs.mu.Lock()
		expired += g.expireLocked(cs, now)
		cs.mu.Unlock()
	}
	if expired > 0 {
		g.logger.Info("expired stale confirmations", "count", expired)
	}
	return expired
}

// Start launches the background expiry sweeper. Stop terminates it.
// Start is idempotent; only the first call launches a sweeper.
func (g *Gate) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	g.sweepOnce.Do(func() {
		g.sweeping.Store(true)
		go func() {
			defer close(g.doneCh)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					g.Sweep()
				case <-g.stopCh:
					return
				}
			}
		}()
	})
}

// Stop terminates the background sweeper and waits for it to exit. Calling
// Stop without a prior Start is a no-op and leaves a later Start working.
func (g *Gate) Stop() {
	if !g.sweeping.Load() {
		return
	}
	g.stopOnce.Do(func() { close(g.stopCh) })
	<-g.doneCh
}

// expireLocked expires over-age pending records. Caller holds cs.mu.
func (g *Gate) expireLocked(cs *conversationState, now time.Time) int {
	n := 0
	for _, c := range cs.records {
		if c.Status == StatusPending && !now.Before(c.ExpiresAt) {
			c.Status = StatusExpired
			c.DecidedAt = c.ExpiresAt
			n++
		}
	}
	return n
}

func (g *Gate) conversation(id string, create bool) *conversationState {
	g.mu.Lock()
	defer g.mu.Unlock()

	cs, ok := g.conversations[id]
	if !ok && create {
		cs = &conversationState{records: make(map[string]*Confirmation)}
		g.conversations[id] = cs
	}
	return cs
}

func (g *Gate) lookup(id string) *conversationState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byID[id]
}

func sortByCreation(confs []*Confirmation) {
	sort.Slice(confs, func(i, j int) bool {
		return confs[i].CreatedAt.Before(confs[j].CreatedAt)
	})
}

const (
	confirmPrefix = "__confirm__:"
	rejectPrefix  = "__reject__:"
)

// ApproveMessage renders the conversation message that approves id.
func ApproveMessage(id string) string { return confirmPrefix + id }

// RejectMessage renders the conversation message that rejects id.
func RejectMessage(id string) string { return rejectPrefix + id }

// ParseDecision interprets a conversation message as a confirmation
// decision. Messages of the form "__confirm__:<id>" or "__reject__:<id>"
// are decisions; anything else is an ordinary user message.
func ParseDecision(message string) (id string, approve bool, ok bool) {
	msg := strings.TrimSpace(message)
	if rest, found := strings.CutPrefix(msg, confirmPrefix); found && rest != "" {
		return rest, true, true
	}
	if rest, found := strings.CutPrefix(msg, rejectPrefix); found && rest != "" {
		return rest, false, true
	}
	return "", false, false
}
