package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gate/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gate/internal/idempotency"
)

type execution struct {
	args json.RawMessage
	// key is set when the result should be deduplicated.
	key       *idempotency.Key
	pendingID string
}

// execute runs the tool for tr.tool, through the idempotency cache when
// x.key is set, and audits the outcome.
func (g *Gate) execute(ctx context.Context, tr *trail, x execution) (*Response, error) {
	handler, ok := g.registry.Handler(tr.tool)
	if !ok {
		// Policy already checked registration; a miss here is a wiring bug.
		tr.record(audit.DecisionError, map[string]any{"reason": "unknown_tool"})
		return nil, fmt.Errorf("Gate.execute: no handler for %q", tr.tool)
	}

	run := func(ctx context.Context) ([]byte, error) {
		return g.invoke(ctx, tr.tool, handler.Execute, x.args)
	}

	detail := func() map[string]any {
		if x.pendingID == "" {
			return nil
		}
		return map[string]any{"pending_action_id": x.pendingID}
	}

	if x.key == nil {
		payload, err := run(ctx)
		if err != nil {
			return nil, g.failure(tr, err, detail())
		}
		tr.record(audit.DecisionExecuted, detail())
		return &Response{Status: StatusOK, Payload: payload, CorrelationID: tr.correlationID}, nil
	}

	res, err := g.idem.Do(ctx, *x.key, run)
	if err != nil {
		return nil, g.failure(tr, err, detail())
	}
	if res.Replayed {
		tr.record(audit.DecisionReplayed, detail())
	} else {
		tr.record(audit.DecisionExecuted, detail())
	}
	return &Response{
		Status:           StatusOK,
		Payload:          res.Payload,
		IdempotentReplay: res.Replayed,
		CorrelationID:    tr.correlationID,
	}, nil
}

// invoke calls the handler under the tool timeout. Handler failures and
// panics come back as *ToolError. A handler that outlives its deadline is
// abandoned and the call fails with ErrToolTimeout.
func (g *Gate) invoke(ctx context.Context, tool string, fn func(context.Context, json.RawMessage) (json.RawMessage, error), args json.RawMessage) (payload []byte, err error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, g.toolTimeout)
	defer cancel()

	done := g.metrics.startExecution()
	defer func() {
		outcome := "ok"
		switch {
		case errors.Is(err, ErrToolTimeout):
			outcome = "timeout"
		case err != nil:
			outcome = "error"
		}
		done(tool, outcome)
	}()

	type toolResult struct {
		out json.RawMessage
		err error
	}
	// Buffered so an abandoned handler can still finish and exit.
	resc := make(chan toolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("tool panicked", zap.String("tool", tool), zap.Any("panic", r))
				resc <- toolResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := fn(ctx, args)
		resc <- toolResult{out: out, err: err}
	}()

	var res toolResult
	select {
	case res = <-resc:
	case <-ctx.Done():
		if errors.Is(parent.Err(), context.Canceled) {
			return nil, parent.Err()
		}
		g.logger.Warn("tool did not return before its deadline",
			zap.String("tool", tool),
			zap.Duration("timeout", g.toolTimeout),
		)
		return nil, fmt.Errorf("%s: %w", tool, ErrToolTimeout)
	}

	if res.err != nil {
		return nil, &ToolError{Tool: tool, Err: res.err}
	}
	out := res.out
	if len(out) == 0 {
		out = json.RawMessage("{}")
	}
	if verr := g.registry.ValidateOutput(tool, out); verr != nil {
		g.logger.Warn("tool output does not match its schema",
			zap.String("tool", tool),
			zap.Error(verr),
		)
	}
	return out, nil
}

// failure audits err and returns what the caller should see.
func (g *Gate) failure(tr *trail, err error, detail map[string]any) error {
	if detail == nil {
		detail = make(map[string]any)
	}

	var te *ToolError
	switch {
	case errors.Is(err, ErrToolTimeout), errors.Is(err, idempotency.ErrReservationTimeout):
		detail["reason"] = reasonTimeout
		tr.record(audit.DecisionError, detail)
		if !errors.Is(err, ErrToolTimeout) {
			err = fmt.Errorf("%w: %w", ErrToolTimeout, err)
		}
		return err
	case errors.As(err, &te):
		detail["error"] = te.Error()
		tr.record(audit.DecisionError, detail)
		return te
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		detail["reason"] = reasonCancelled
		tr.record(audit.DecisionError, detail)
		return err
	default:
		detail["reason"] = reasonBackend
		detail["error"] = err.Error()
		tr.record(audit.DecisionError, detail)
		return fmt.Errorf("Gate.execute: %w", err)
	}
}
