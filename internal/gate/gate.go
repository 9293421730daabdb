// Package gate sequences authentication, rate limiting, policy, approval
// and idempotency into one decision per tool call, and audits every step.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gate/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/idempotency"
	"github.com/triage-ai/palisade/services/tool_gate/internal/pending"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
	"github.com/triage-ai/palisade/services/tool_gate/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 10 * time.Second

// Status is the outcome reported to the caller.
type Status string

const (
	StatusOK                   Status = "ok"
	StatusRequiresConfirmation Status = "requires_confirmation"
	StatusRejected             Status = "rejected"
	StatusRateLimited          Status = "rate_limited"
	StatusForbidden            Status = "forbidden"
	StatusUnauthorized         Status = "unauthorized"
	StatusError                Status = "error"
)

// Audit reasons attached to denied and error events.
const (
	reasonUnauthorized       = "unauthorized"
	reasonInvalidArguments   = "invalid_arguments"
	reasonPendingNotFound    = "pending_not_found"
	reasonPendingMismatch    = "pending_mismatch"
	reasonPendingNotApproved = "pending_not_approved"
	reasonAlreadyResolved    = "already_resolved"
	reasonExpired            = "expired"
	reasonInFlight           = "execution_in_flight"
	reasonBackend            = "backend_unavailable"
	reasonCancelled          = "caller_cancelled"
	reasonTimeout            = "timeout"
	reasonPrecheck           = "precheck_failed"
)

// CallRequest is one tool call as received from a transport.
type CallRequest struct {
	ToolName   string
	Credential string
	Arguments  json.RawMessage
	// DedupToken scopes idempotent replay; empty means no dedup requested.
	DedupToken string
	// PendingActionID references an approved action to execute.
	PendingActionID string
	CorrelationID   string
}

// ConfirmRequest resolves a pending action.
type ConfirmRequest struct {
	Credential      string
	PendingActionID string
	Approve         bool
	CorrelationID   string
}

// Response is returned for every call that was not refused with an error.
type Response struct {
	Status           Status          `json:"status"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	PendingActionID  string          `json:"pending_action_id,omitempty"`
	IdempotentReplay bool            `json:"idempotent_replay"`
	CorrelationID    string          `json:"correlation_id"`
}

// Options wires a Gate's collaborators. All fields except Metrics are required.
type Options struct {
	Authenticator auth.Authenticator
	Limiter       ratelimit.Limiter
	Policy        *policy.Engine
	Registry      *registry.Registry
	Idempotency   *idempotency.Cache
	Pending       pending.Store
	Audit         *audit.Log
	Metrics       *Metrics
	Logger        *zap.Logger
	ToolTimeout   time.Duration
}

// Gate is the orchestrator. Safe for concurrent use.
type Gate struct {
	auth        auth.Authenticator
	limiter     ratelimit.Limiter
	policy      *policy.Engine
	registry    *registry.Registry
	idem        *idempotency.Cache
	pending     pending.Store
	audit       *audit.Log
	metrics     *Metrics
	logger      *zap.Logger
	toolTimeout time.Duration

	claims sync.Map // pending action id -> chan struct{}, closed on release
}

// New creates a Gate.
func New(opts Options) *Gate {
	timeout := opts.ToolTimeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		auth:        opts.Authenticator,
		limiter:     opts.Limiter,
		policy:      opts.Policy,
		registry:    opts.Registry,
		idem:        opts.Idempotency,
		pending:     opts.Pending,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		logger:      logger,
		toolTimeout: timeout,
	}
}

// Tools returns the static discovery view.
func (g *Gate) Tools() []registry.ToolInfo {
	return g.registry.Discovery()
}

// ListTools returns the discovery view to an authenticated caller.
func (g *Gate) ListTools(ctx context.Context, credential string) ([]registry.ToolInfo, error) {
	if _, err := g.auth.Authenticate(ctx, credential); err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			g.logger.Warn("authentication backend error", zap.Error(err))
		}
		return nil, ErrUnauthorized
	}
	return g.registry.Discovery(), nil
}

// trail records the audit events of one request under a single
// correlation id.
type trail struct {
	g             *Gate
	callerKey     string
	tool          string
	correlationID string
}

func (g *Gate) newTrail(tool, correlationID string) *trail {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &trail{g: g, tool: tool, correlationID: correlationID}
}

func (t *trail) record(d audit.Decision, detail map[string]any) {
	t.g.audit.Append(audit.Event{
		CallerKey:     t.callerKey,
		ToolName:      t.tool,
		Decision:      d,
		CorrelationID: t.correlationID,
		Detail:        detail,
	})
	t.g.metrics.decision(t.tool, d)
}

func reason(r string) map[string]any {
	return map[string]any{"reason": r}
}

// Call runs one tool call through the gate.
func (g *Gate) Call(ctx context.Context, req CallRequest) (*Response, error) {
	tr := g.newTrail(req.ToolName, req.CorrelationID)

	caller, err := g.auth.Authenticate(ctx, req.Credential)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			g.logger.Warn("authentication backend error", zap.Error(err))
		}
		tr.record(audit.DecisionDenied, reason(reasonUnauthorized))
		return nil, ErrUnauthorized
	}
	tr.callerKey = caller.Key

	admit, err := g.limiter.Admit(ctx, caller.Key)
	if err != nil {
		tr.record(audit.DecisionError, map[string]any{"reason": reasonBackend, "error": err.Error()})
		return nil, fmt.Errorf("Gate.Call: rate limiter: %w", err)
	}
	if !admit.Allowed {
		tr.record(audit.DecisionRateLimited, map[string]any{"retry_after_ms": admit.RetryAfter.Milliseconds()})
		return nil, &RateLimitedError{RetryAfter: admit.RetryAfter}
	}

	decision := g.policy.Authorize(caller.Key, req.ToolName)
	if !decision.Allowed {
		tr.record(audit.DecisionDenied, reason(decision.Reason))
		return nil, fmt.Errorf("%w: %s", ErrForbidden, decision.Reason)
	}
	desc, _ := g.registry.Lookup(req.ToolName)

	if req.PendingActionID != "" {
		return g.callApproved(ctx, tr, caller, req.PendingActionID)
	}

	args := req.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := g.registry.ValidateArguments(req.ToolName, args); err != nil {
		detail := reason(reasonInvalidArguments)
		var ve *registry.ValidationError
		if errors.As(err, &ve) {
			detail["error"] = ve.Reason
		}
		tr.record(audit.DecisionDenied, detail)
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	tr.record(audit.DecisionAllowed, nil)

	var idemKey *idempotency.Key
	if desc.Idempotent && req.DedupToken != "" {
		idemKey = &idempotency.Key{Tool: req.ToolName, Caller: caller.Key, Token: req.DedupToken}
		payload, found, err := g.idem.Get(ctx, *idemKey)
		if err != nil {
			tr.record(audit.DecisionError, map[string]any{"reason": reasonBackend, "error": err.Error()})
			return nil, fmt.Errorf("Gate.Call: idempotency lookup: %w", err)
		}
		if found {
			tr.record(audit.DecisionReplayed, nil)
			return &Response{
				Status:           StatusOK,
				Payload:          payload,
				IdempotentReplay: true,
				CorrelationID:    tr.correlationID,
			}, nil
		}
	}

	if decision.RequiresApproval {
		if h, ok := g.registry.Handler(req.ToolName); ok {
			if pc, ok := h.(registry.Prechecker); ok {
				if err := pc.Precheck(ctx, args); err != nil {
					tr.record(audit.DecisionDenied, map[string]any{"reason": reasonPrecheck, "error": err.Error()})
					return nil, &ToolError{Tool: req.ToolName, Err: err}
				}
			}
		}
		a, err := g.pending.Create(ctx, pending.NewAction{
			ToolName:      req.ToolName,
			CallerKey:     caller.Key,
			Arguments:     args,
			DedupToken:    req.DedupToken,
			CorrelationID: tr.correlationID,
		})
		if err != nil {
			tr.record(audit.DecisionError, map[string]any{"reason": reasonBackend, "error": err.Error()})
			return nil, fmt.Errorf("Gate.Call: create pending action: %w", err)
		}
		tr.record(audit.DecisionRequiresConfirmation, map[string]any{"pending_action_id": a.ID})
		return &Response{
			Status:          StatusRequiresConfirmation,
			PendingActionID: a.ID,
			CorrelationID:   tr.correlationID,
		}, nil
	}

	return g.execute(ctx, tr, execution{args: args, key: idemKey})
}

// callApproved executes a previously approved action with its stored
// arguments, for a caller retrying after the confirm-time execution failed.
func (g *Gate) callApproved(ctx context.Context, tr *trail, caller *auth.Caller, id string) (*Response, error) {
	release, ok := g.tryClaim(id)
	if !ok {
		tr.record(audit.DecisionDenied, map[string]any{"reason": reasonInFlight, "pending_action_id": id})
		return nil, fmt.Errorf("%w: execution in flight", ErrAlreadyResolved)
	}
	defer release()

	a, err := g.pending.Get(ctx, id)
	if err != nil {
		if errors.Is(err, pending.ErrNotFound) {
			tr.record(audit.DecisionDenied, map[string]any{"reason": reasonPendingNotFound, "pending_action_id": id})
			return nil, ErrNotFound
		}
		tr.record(audit.DecisionError, map[string]any{"reason": reasonBackend, "error": err.Error()})
		return nil, fmt.Errorf("Gate.Call: load pending action: %w", err)
	}

	detail := map[string]any{"pending_action_id": id}
	switch {
	case a.ToolName != tr.tool || a.CallerKey != caller.Key:
		detail["reason"] = reasonPendingMismatch
		tr.record(audit.DecisionDenied, detail)
		return nil, fmt.Errorf("%w: %s", ErrForbidden, reasonPendingMismatch)
	case a.Status == pending.StatusPending:
		detail["reason"] = reasonPendingNotApproved
		tr.record(audit.DecisionDenied, detail)
		return nil, fmt.Errorf("%w: %s", ErrForbidden, reasonPendingNotApproved)
	case a.Status != pending.StatusApproved:
		detail["reason"] = reasonAlreadyResolved
		detail["status"] = string(a.Status)
		tr.record(audit.DecisionDenied, detail)
		return nil, ErrAlreadyResolved
	}
	tr.record(audit.DecisionAllowed, detail)

	resp, err := g.execute(ctx, tr, g.approvedExecution(a))
	if err != nil {
		return nil, err
	}
	g.markExecuted(ctx, id)
	resp.PendingActionID = id
	return resp, nil
}

// Confirm resolves a pending action and, on approval, executes it.
func (g *Gate) Confirm(ctx context.Context, req ConfirmRequest) (*Response, error) {
	tr := g.newTrail("", req.CorrelationID)

	caller, err := g.auth.Authenticate(ctx, req.Credential)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			g.logger.Warn("authentication backend error", zap.Error(err))
		}
		tr.record(audit.DecisionDenied, map[string]any{"reason": reasonUnauthorized, "pending_action_id": req.PendingActionID})
		return nil, ErrUnauthorized
	}
	tr.callerKey = caller.Key

	release, err := g.claim(ctx, req.PendingActionID)
	if err != nil {
		return nil, err
	}
	defer release()

	a, err := g.pending.Resolve(ctx, req.PendingActionID, req.Approve)
	if err != nil {
		detail := map[string]any{"pending_action_id": req.PendingActionID}
		switch {
		case errors.Is(err, pending.ErrNotFound):
			detail["reason"] = reasonPendingNotFound
			tr.record(audit.DecisionDenied, detail)
			return nil, ErrNotFound
		case errors.Is(err, pending.ErrAlreadyResolved):
			detail["reason"] = reasonAlreadyResolved
			tr.record(audit.DecisionDenied, detail)
			return nil, ErrAlreadyResolved
		case errors.Is(err, pending.ErrExpired):
			detail["reason"] = reasonExpired
			tr.record(audit.DecisionDenied, detail)
			return nil, ErrExpired
		}
		detail["reason"] = reasonBackend
		detail["error"] = err.Error()
		tr.record(audit.DecisionError, detail)
		return nil, fmt.Errorf("Gate.Confirm: resolve: %w", err)
	}

	tr.tool = a.ToolName
	if req.CorrelationID == "" && a.CorrelationID != "" {
		// Continue the trail of the call that created the action.
		tr.correlationID = a.CorrelationID
	}
	detail := map[string]any{"pending_action_id": a.ID, "requested_by": a.CallerKey}

	if a.Status == pending.StatusRejected {
		tr.record(audit.DecisionRejected, detail)
		return &Response{
			Status:          StatusRejected,
			PendingActionID: a.ID,
			CorrelationID:   tr.correlationID,
		}, nil
	}
	tr.record(audit.DecisionConfirmed, detail)

	resp, err := g.execute(ctx, tr, g.approvedExecution(a))
	if err != nil {
		// The action stays approved so the caller can retry by reference.
		return nil, err
	}
	g.markExecuted(ctx, a.ID)
	resp.PendingActionID = a.ID
	return resp, nil
}

func (g *Gate) approvedExecution(a *pending.Action) execution {
	x := execution{args: a.Arguments, pendingID: a.ID}
	if desc, ok := g.registry.Lookup(a.ToolName); ok && desc.Idempotent && a.DedupToken != "" {
		x.key = &idempotency.Key{Tool: a.ToolName, Caller: a.CallerKey, Token: a.DedupToken}
	}
	return x
}

func (g *Gate) markExecuted(ctx context.Context, id string) {
	err := g.pending.MarkExecuted(context.WithoutCancel(ctx), id)
	if err == nil {
		return
	}
	if errors.Is(err, pending.ErrInvalidTransition) {
		// Only reachable if the claim protocol is broken.
		panic(fmt.Sprintf("pending action %s: %v", id, err))
	}
	g.logger.Error("failed to mark pending action executed",
		zap.String("pending_action_id", id),
		zap.Error(err),
	)
}

// claim waits for exclusive execution rights on a pending action id.
func (g *Gate) claim(ctx context.Context, id string) (func(), error) {
	for {
		release, ok := g.tryClaim(id)
		if ok {
			return release, nil
		}
		v, loaded := g.claims.Load(id)
		if !loaded {
			continue
		}
		select {
		case <-v.(chan struct{}):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Gate) tryClaim(id string) (func(), bool) {
	ch := make(chan struct{})
	if _, loaded := g.claims.LoadOrStore(id, ch); loaded {
		return nil, false
	}
	return func() {
		g.claims.Delete(id)
		close(ch)
	}, true
}
