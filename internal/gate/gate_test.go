package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gate/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/idempotency"
	"github.com/triage-ai/palisade/services/tool_gate/internal/pending"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
	"github.com/triage-ai/palisade/services/tool_gate/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tools"
)

const (
	goodKey  = "dev-key"
	otherKey = "other-key"
)

// keyAuth accepts a fixed set of credentials.
type keyAuth map[string]bool

func (a keyAuth) Authenticate(_ context.Context, credential string) (*auth.Caller, error) {
	if !a[credential] {
		return nil, auth.ErrUnauthenticated
	}
	return &auth.Caller{Key: auth.CallerKey(credential)}, nil
}

// spy records every invocation of a tool.
type spy struct {
	calls atomic.Int32
	mu    sync.Mutex
	args  []string
	fn    func(n int32, args json.RawMessage) (json.RawMessage, error)
}

func (s *spy) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	n := s.calls.Add(1)
	s.mu.Lock()
	s.args = append(s.args, string(args))
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(n, args)
	}
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)), nil
}

type harness struct {
	gate     *Gate
	log      *audit.Log
	pending  *pending.MemoryStore
	ticket   *spy
	approval *spy
	blocked  *spy
	metrics  *Metrics
}

// Zero toolTimeout and reservation default to 1s and 5s.
type harnessOpts struct {
	threshold   int
	toolTimeout time.Duration
	reservation time.Duration
	ticketFn    func(n int32, args json.RawMessage) (json.RawMessage, error)
	approveFn   func(n int32, args json.RawMessage) (json.RawMessage, error)
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	h := &harness{
		ticket:   &spy{fn: o.ticketFn},
		approval: &spy{fn: o.approveFn},
		blocked:  &spy{},
	}
	reg, err := registry.New(
		registry.Tool{
			Descriptor: registry.ToolDescriptor{
				Name:       "create_ticket",
				Idempotent: true,
				InputSchema: map[string]any{
					"type":     "object",
					"required": []string{"title"},
					"properties": map[string]any{
						"title": map[string]any{"type": "string"},
					},
				},
			},
			Handler: h.ticket,
		},
		registry.Tool{
			Descriptor: registry.ToolDescriptor{Name: "update_customer_status", RequiresApproval: true},
			Handler:    h.approval,
		},
		registry.Tool{
			Descriptor: registry.ToolDescriptor{Name: "drop_tables"},
			Handler:    h.blocked,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	if o.toolTimeout == 0 {
		o.toolTimeout = time.Second
	}
	if o.reservation == 0 {
		o.reservation = 5 * time.Second
	}

	h.log = audit.NewLog(audit.Options{Logger: zap.NewNop()})
	h.pending = pending.NewMemoryStore(0)
	h.metrics = NewMetrics(prometheus.NewRegistry())
	h.gate = New(Options{
		Authenticator: keyAuth{goodKey: true, otherKey: true},
		Limiter:       ratelimit.NewMemoryLimiter(o.threshold, time.Minute),
		Policy:        policy.NewEngine([]string{"create_ticket", "update_customer_status"}, reg),
		Registry:      reg,
		Idempotency:   idempotency.NewCache(idempotency.NewMemoryStore(0), o.reservation, zap.NewNop()),
		Pending:       h.pending,
		Audit:         h.log,
		Metrics:       h.metrics,
		Logger:        zap.NewNop(),
		ToolTimeout:   o.toolTimeout,
	})
	return h
}

func (h *harness) decisions() []audit.Decision {
	events := h.log.Tail(10000)
	out := make([]audit.Decision, len(events))
	for i, e := range events {
		out[i] = e.Decision
	}
	return out
}

func (h *harness) count(d audit.Decision) int {
	n := 0
	for _, got := range h.decisions() {
		if got == d {
			n++
		}
	}
	return n
}

func expectDecisions(t *testing.T, got []audit.Decision, want ...audit.Decision) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected decisions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected decisions %v, got %v", want, got)
		}
	}
}

func ticketCall(token string) CallRequest {
	return CallRequest{
		ToolName:   "create_ticket",
		Credential: goodKey,
		Arguments:  json.RawMessage(`{"title":"Printer on fire"}`),
		DedupToken: token,
	}
}

func TestCall_Unauthorized(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	req := ticketCall("")
	req.Credential = "wrong"

	_, err := h.gate.Call(context.Background(), req)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if h.ticket.calls.Load() != 0 {
		t.Fatal("tool must not run for unauthenticated callers")
	}
	events := h.log.Tail(1)
	if events[0].Decision != audit.DecisionDenied || events[0].Detail["reason"] != "unauthorized" {
		t.Fatalf("unexpected audit event %+v", events[0])
	}
	if events[0].CallerKey != "" {
		t.Fatal("unauthenticated events must not carry a caller key")
	}
}

func TestCall_NotAllowlistedNeverInvokesTool(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	for _, tool := range []string{"drop_tables", "no_such_tool"} {
		_, err := h.gate.Call(context.Background(), CallRequest{ToolName: tool, Credential: goodKey})
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: expected forbidden, got %v", tool, err)
		}
	}
	if h.blocked.calls.Load() != 0 {
		t.Fatal("registered but disallowed tool was invoked")
	}
	expectDecisions(t, h.decisions(), audit.DecisionDenied, audit.DecisionDenied)
}

func TestCall_RateLimited(t *testing.T) {
	h := newHarness(t, harnessOpts{threshold: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.gate.Call(ctx, ticketCall("")); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	_, err := h.gate.Call(ctx, ticketCall(""))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		t.Fatalf("expected retry hint, got %v", err)
	}
	if h.ticket.calls.Load() != 3 {
		t.Fatalf("expected 3 executions, got %d", h.ticket.calls.Load())
	}
	if h.count(audit.DecisionRateLimited) != 1 {
		t.Fatal("expected one rate_limited audit event")
	}
}

func TestCall_PolicyDenialStillCountsTowardRateLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{threshold: 1})
	ctx := context.Background()

	if _, err := h.gate.Call(ctx, CallRequest{ToolName: "drop_tables", Credential: goodKey}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.gate.Call(ctx, ticketCall("")); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected denied attempt to consume the budget, got %v", err)
	}
}

func TestCall_InvalidArguments(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	req := ticketCall("")
	req.Arguments = json.RawMessage(`{"title":42}`)

	_, err := h.gate.Call(context.Background(), req)
	if !errors.Is(err, ErrInvalidArguments) {
		t.Fatalf("expected invalid arguments, got %v", err)
	}
	if h.ticket.calls.Load() != 0 {
		t.Fatal("tool must not run with invalid arguments")
	}
	e := h.log.Tail(1)[0]
	if e.Decision != audit.DecisionDenied || e.Detail["reason"] != "invalid_arguments" {
		t.Fatalf("unexpected audit event %+v", e)
	}
}

func TestCall_IdempotentReplay(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	first, err := h.gate.Call(ctx, ticketCall("T-1"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.gate.Call(ctx, ticketCall("T-1"))
	if err != nil {
		t.Fatal(err)
	}

	if first.IdempotentReplay || !second.IdempotentReplay {
		t.Fatalf("expected execute then replay, got %v then %v", first.IdempotentReplay, second.IdempotentReplay)
	}
	if string(first.Payload) != string(second.Payload) {
		t.Fatalf("payload mismatch %s vs %s", first.Payload, second.Payload)
	}
	if h.ticket.calls.Load() != 1 {
		t.Fatalf("expected 1 execution, got %d", h.ticket.calls.Load())
	}
	expectDecisions(t, h.decisions(),
		audit.DecisionAllowed, audit.DecisionExecuted,
		audit.DecisionAllowed, audit.DecisionReplayed,
	)
}

func TestCall_DedupIsScopedPerCaller(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, _ = h.gate.Call(ctx, ticketCall("T-1"))
	req := ticketCall("T-1")
	req.Credential = otherKey
	resp, err := h.gate.Call(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.IdempotentReplay {
		t.Fatal("another caller's token must not replay")
	}
	if h.ticket.calls.Load() != 2 {
		t.Fatalf("expected 2 executions, got %d", h.ticket.calls.Load())
	}
}

func TestCall_NoDedupTokenAlwaysExecutes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := h.gate.Call(ctx, ticketCall(""))
		if err != nil {
			t.Fatal(err)
		}
		if resp.IdempotentReplay {
			t.Fatal("calls without a dedup token must never replay")
		}
	}
	if h.ticket.calls.Load() != 2 {
		t.Fatalf("expected 2 executions, got %d", h.ticket.calls.Load())
	}
	if h.count(audit.DecisionReplayed) != 0 {
		t.Fatal("unexpected replayed event")
	}
}

func TestCall_ConcurrentDuplicatesExecuteOnce(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h := newHarness(t, harnessOpts{ticketFn: func(n int32, _ json.RawMessage) (json.RawMessage, error) {
		once.Do(func() { close(entered) })
		<-release
		return json.RawMessage(fmt.Sprintf(`{"ticket_id":%d}`, n)), nil
	}})
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		responses [2]*Response
		errs      [2]error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		responses[0], errs[0] = h.gate.Call(ctx, ticketCall("T-race"))
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		responses[1], errs[1] = h.gate.Call(ctx, ticketCall("T-race"))
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
	}
	if string(responses[0].Payload) != string(responses[1].Payload) {
		t.Fatalf("payloads differ: %s vs %s", responses[0].Payload, responses[1].Payload)
	}
	if h.ticket.calls.Load() != 1 {
		t.Fatalf("expected exactly one execution, got %d", h.ticket.calls.Load())
	}
	if h.count(audit.DecisionExecuted) != 1 || h.count(audit.DecisionReplayed) != 1 {
		t.Fatalf("expected one executed and one replayed, got %v", h.decisions())
	}
}

func TestCall_ToolErrorSurfacedVerbatimAndNotCached(t *testing.T) {
	h := newHarness(t, harnessOpts{ticketFn: func(n int32, _ json.RawMessage) (json.RawMessage, error) {
		if n == 1 {
			return nil, errors.New("crm exploded")
		}
		return json.RawMessage(`{"ticket_id":2}`), nil
	}})
	ctx := context.Background()

	_, err := h.gate.Call(ctx, ticketCall("T-err"))
	if !errors.Is(err, ErrToolExecution) {
		t.Fatalf("expected tool execution error, got %v", err)
	}
	if err.Error() != "crm exploded" {
		t.Fatalf("expected verbatim message, got %q", err.Error())
	}
	e := h.log.Tail(1)[0]
	if e.Decision != audit.DecisionError || e.Detail["error"] != "crm exploded" {
		t.Fatalf("unexpected audit event %+v", e)
	}

	resp, err := h.gate.Call(ctx, ticketCall("T-err"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.IdempotentReplay {
		t.Fatal("a failed execution must not be replayed")
	}
	if h.ticket.calls.Load() != 2 {
		t.Fatalf("expected retry to execute, got %d calls", h.ticket.calls.Load())
	}
}

func TestCall_ToolPanicBecomesToolError(t *testing.T) {
	h := newHarness(t, harnessOpts{ticketFn: func(int32, json.RawMessage) (json.RawMessage, error) {
		panic("nil map")
	}})
	_, err := h.gate.Call(context.Background(), ticketCall(""))
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected ToolError, got %v", err)
	}
}

func TestCall_UncooperativeToolTimesOutAndReleasesKey(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	h := newHarness(t, harnessOpts{
		toolTimeout: 100 * time.Millisecond,
		reservation: 200 * time.Millisecond,
		ticketFn: func(n int32, _ json.RawMessage) (json.RawMessage, error) {
			if n == 1 {
				<-stuck // ignores its context
			}
			return json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)), nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := h.gate.Call(ctx, ticketCall("T-stuck"))
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the first caller to see its cancellation, got %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	retryCtx, retryCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer retryCancel()
	start := time.Now()
	resp, err := h.gate.Call(retryCtx, ticketCall("T-stuck"))
	if err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("retry waited %s on a released key", waited)
	}
	if resp.IdempotentReplay || string(resp.Payload) != `{"n":2}` {
		t.Fatalf("expected the tool to run again, got %+v", resp)
	}
	if h.ticket.calls.Load() != 2 {
		t.Fatalf("expected 2 tool invocations, got %d", h.ticket.calls.Load())
	}
}

func TestCall_ToolTimeoutWithoutDedupToken(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	h := newHarness(t, harnessOpts{
		toolTimeout: 50 * time.Millisecond,
		ticketFn: func(int32, json.RawMessage) (json.RawMessage, error) {
			<-stuck
			return nil, nil
		},
	})
	_, err := h.gate.Call(context.Background(), ticketCall(""))
	if !errors.Is(err, ErrToolTimeout) {
		t.Fatalf("expected tool timeout, got %v", err)
	}
	events := h.log.Tail(1)
	if events[0].Decision != audit.DecisionError || events[0].Detail["reason"] != reasonTimeout {
		t.Fatalf("unexpected audit event %+v", events[0])
	}
}

func TestApprovalFlow(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	resp, err := h.gate.Call(ctx, CallRequest{
		ToolName:   "update_customer_status",
		Credential: goodKey,
		Arguments:  json.RawMessage(`{"customer_id":1,"new_status":"Churned"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusRequiresConfirmation || resp.PendingActionID == "" {
		t.Fatalf("expected requires_confirmation, got %+v", resp)
	}
	if h.approval.calls.Load() != 0 {
		t.Fatal("tool must not run before approval")
	}

	confirmed, err := h.gate.Confirm(ctx, ConfirmRequest{Credential: goodKey, PendingActionID: resp.PendingActionID, Approve: true})
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Status != StatusOK {
		t.Fatalf("expected ok, got %s", confirmed.Status)
	}
	if h.approval.args[0] != `{"customer_id":1,"new_status":"Churned"}` {
		t.Fatalf("tool ran with unexpected arguments %s", h.approval.args[0])
	}
	if confirmed.CorrelationID != resp.CorrelationID {
		t.Fatal("confirm should continue the original correlation id")
	}

	a, _ := h.pending.Get(ctx, resp.PendingActionID)
	if a.Status != pending.StatusExecuted {
		t.Fatalf("expected executed, got %s", a.Status)
	}

	_, err = h.gate.Confirm(ctx, ConfirmRequest{Credential: goodKey, PendingActionID: resp.PendingActionID, Approve: true})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected already resolved, got %v", err)
	}
	if h.approval.calls.Load() != 1 {
		t.Fatalf("expected one execution, got %d", h.approval.calls.Load())
	}

	expectDecisions(t, h.decisions(),
		audit.DecisionAllowed, audit.DecisionRequiresConfirmation,
		audit.DecisionConfirmed, audit.DecisionExecuted,
		audit.DecisionDenied,
	)
}

func TestConfirm_Reject(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	resp, _ := h.gate.Call(ctx, CallRequest{ToolName: "update_customer_status", Credential: goodKey})
	rejected, err := h.gate.Confirm(ctx, ConfirmRequest{Credential: goodKey, PendingActionID: resp.PendingActionID, Approve: false})
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if h.approval.calls.Load() != 0 {
		t.Fatal("rejected action must not execute")
	}

	_, err = h.gate.Call(ctx, CallRequest{ToolName: "update_customer_status", Credential: goodKey, PendingActionID: resp.PendingActionID})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected already resolved for rejected reference, got %v", err)
	}
}

func TestConfirm_NotFoundAndUnauthorized(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	if _, err := h.gate.Confirm(ctx, ConfirmRequest{Credential: goodKey, PendingActionID: "pa_nope", Approve: true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.gate.Confirm(ctx, ConfirmRequest{Credential: "bad", PendingActionID: "pa_nope", Approve: true}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestConfirm_ConcurrentDoubleConfirmExecutesOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{approveFn: func(int32, json.RawMessage) (json.RawMessage, error) {
		time.Sleep(20 * time.Millisecond)
		return json.RawMessage(`{"ok":true}`), nil
	}})
	ctx := context.Background()
	resp, _ := h.gate.Call(ctx, CallRequest{ToolName: "update_customer_status", Credential: goodKey})

	var ok, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.gate.Confirm(ctx, ConfirmRequest{Credential: goodKey, PendingActionID: resp.PendingActionID, Approve: true})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyResolved):
				already.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || already.Load() != 9 {
		t.Fatalf("expected 1 success and 9 already-resolved, got %d/%d", ok.Load(), already.Load())
	}
	if h.approval.calls.Load() != 1 {
		t.Fatalf("expected exactly one execution, got %d", h.approval.calls.Load())
	}
}

func TestCall_ApprovedReferenceRetriesFailedExecution(t *testing.T) {
	h := newHarness(t, harnessOpts{approveFn: func(n int32, _ json.RawMessage) (json.RawMessage, error) {
		if n == 1 {
			return nil, errors.New("crm timeout")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}})
	ctx := context.Background()

	resp, _ := h.gate.Call(ctx, CallRequest{
		ToolName:   "update_customer_status",
		Credential: goodKey,
		Arguments:  json.RawMessage(`{"customer_id":2}`),
	})
	id := resp.PendingActionID

	if _, err := h.gate.Confirm(ctx, ConfirmRequest{Credential: goodKey, PendingActionID: id, Approve: true}); !errors.Is(err, ErrToolExecution) {
		t.Fatalf("expected tool error on confirm, got %v", err)
	}
	a, _ := h.pending.Get(ctx, id)
	if a.Status != pending.StatusApproved {
		t.Fatalf("failed execution must leave the action approved, got %s", a.Status)
	}

	// A different caller cannot ride on someone else's approval.
	if _, err := h.gate.Call(ctx, CallRequest{ToolName: "update_customer_status", Credential: otherKey, PendingActionID: id}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for foreign caller, got %v", err)
	}

	retried, err := h.gate.Call(ctx, CallRequest{
		ToolName:        "update_customer_status",
		Credential:      goodKey,
		PendingActionID: id,
		Arguments:       json.RawMessage(`{"customer_id":999}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != StatusOK || retried.PendingActionID != id {
		t.Fatalf("unexpected response %+v", retried)
	}
	if h.approval.args[1] != `{"customer_id":2}` {
		t.Fatalf("retry must use the approved arguments, got %s", h.approval.args[1])
	}

	if _, err := h.gate.Call(ctx, CallRequest{ToolName: "update_customer_status", Credential: goodKey, PendingActionID: id}); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected already resolved after execution, got %v", err)
	}
}

func TestCall_PendingReferenceMustBeApproved(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	resp, _ := h.gate.Call(ctx, CallRequest{ToolName: "update_customer_status", Credential: goodKey})

	_, err := h.gate.Call(ctx, CallRequest{ToolName: "update_customer_status", Credential: goodKey, PendingActionID: resp.PendingActionID})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for unapproved reference, got %v", err)
	}
	if h.approval.calls.Load() != 0 {
		t.Fatal("unapproved action must not execute")
	}
}

func TestAuditOrdering_DenyThenCorrectedCredential(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	bad := ticketCall("")
	bad.Credential = "typo"
	bad.CorrelationID = "corr-42"
	_, _ = h.gate.Call(ctx, bad)

	good := ticketCall("")
	good.CorrelationID = "corr-42"
	if _, err := h.gate.Call(ctx, good); err != nil {
		t.Fatal(err)
	}

	// Unrelated traffic in between must not disturb the trail.
	_, _ = h.gate.Call(ctx, ticketCall(""))

	events := h.log.ByCorrelation("corr-42")
	got := make([]audit.Decision, len(events))
	for i, e := range events {
		got[i] = e.Decision
	}
	expectDecisions(t, got, audit.DecisionDenied, audit.DecisionAllowed, audit.DecisionExecuted)
}

func TestMetrics_CountDecisions(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, _ = h.gate.Call(context.Background(), ticketCall("T-m"))
	_, _ = h.gate.Call(context.Background(), ticketCall("T-m"))

	if got := testutil.ToFloat64(h.metrics.DecisionsTotal.WithLabelValues("create_ticket", "executed")); got != 1 {
		t.Fatalf("expected 1 executed, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.DecisionsTotal.WithLabelValues("create_ticket", "replayed")); got != 1 {
		t.Fatalf("expected 1 replayed, got %v", got)
	}
}

func TestCall_PrecheckRefusesBeforePendingAction(t *testing.T) {
	crm := tools.NewCRM()
	reg := registry.MustNew(tools.Build(crm, tools.Options{Logger: zap.NewNop()})...)
	log := audit.NewLog(audit.Options{Logger: zap.NewNop()})
	g := New(Options{
		Authenticator: auth.NewStaticAuthenticator(goodKey),
		Limiter:       ratelimit.NewMemoryLimiter(0, time.Minute),
		Policy:        policy.NewEngine(reg.Names(), reg),
		Registry:      reg,
		Idempotency:   idempotency.NewCache(idempotency.NewMemoryStore(0), 5*time.Second, zap.NewNop()),
		Pending:       pending.NewMemoryStore(0),
		Audit:         log,
		Logger:        zap.NewNop(),
	})

	_, err := g.Call(context.Background(), CallRequest{
		ToolName:   tools.UpdateCustomerStatus,
		Credential: goodKey,
		Arguments:  json.RawMessage(`{"customer_id":99,"new_status":"Churned"}`),
	})
	if !errors.Is(err, tools.ErrCustomerNotFound) || !errors.Is(err, ErrToolExecution) {
		t.Fatalf("expected customer not found tool error, got %v", err)
	}
	for _, e := range log.Tail(100) {
		if e.Decision == audit.DecisionRequiresConfirmation {
			t.Fatal("a pending action was created for an unknown customer")
		}
	}
	last := log.Tail(1)[0]
	if last.Decision != audit.DecisionDenied || last.Detail["reason"] != reasonPrecheck {
		t.Fatalf("unexpected audit event %+v", last)
	}

	resp, err := g.Call(context.Background(), CallRequest{
		ToolName:   tools.UpdateCustomerStatus,
		Credential: goodKey,
		Arguments:  json.RawMessage(`{"customer_id":1,"new_status":"Churned"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusRequiresConfirmation {
		t.Fatalf("expected requires_confirmation for a known customer, got %s", resp.Status)
	}
}

func TestEndToEnd_DemoTools(t *testing.T) {
	crm := tools.NewCRM()
	reg := registry.MustNew(tools.Build(crm, tools.Options{Logger: zap.NewNop()})...)
	log := audit.NewLog(audit.Options{Logger: zap.NewNop()})
	g := New(Options{
		Authenticator: auth.NewStaticAuthenticator(goodKey),
		Limiter:       ratelimit.NewMemoryLimiter(60, time.Minute),
		Policy:        policy.NewEngine(reg.Names(), reg),
		Registry:      reg,
		Idempotency:   idempotency.NewCache(idempotency.NewMemoryStore(0), 5*time.Second, zap.NewNop()),
		Pending:       pending.NewMemoryStore(0),
		Audit:         log,
		Logger:        zap.NewNop(),
	})
	ctx := context.Background()

	createReq := CallRequest{
		ToolName:   tools.CreateTicket,
		Credential: goodKey,
		Arguments:  json.RawMessage(`{"customer_id":1,"title":"Printer on fire"}`),
		DedupToken: "T-1",
	}
	first, err := g.Call(ctx, createReq)
	if err != nil {
		t.Fatal(err)
	}
	var out1, out2 struct {
		Ticket tools.Ticket `json:"ticket"`
	}
	if err := json.Unmarshal(first.Payload, &out1); err != nil {
		t.Fatal(err)
	}
	if first.IdempotentReplay || out1.Ticket.ID == 0 {
		t.Fatalf("expected a new ticket, got %+v", first)
	}

	second, err := g.Call(ctx, createReq)
	if err != nil {
		t.Fatal(err)
	}
	_ = json.Unmarshal(second.Payload, &out2)
	if !second.IdempotentReplay || out2.Ticket.ID != out1.Ticket.ID {
		t.Fatalf("expected replay of ticket %d, got %+v", out1.Ticket.ID, second)
	}
	if len(crm.Tickets()) != 1 {
		t.Fatalf("expected 1 ticket in the CRM, got %d", len(crm.Tickets()))
	}

	executed := 0
	for _, e := range log.Tail(100) {
		if e.ToolName == tools.CreateTicket && e.Decision == audit.DecisionExecuted {
			executed++
		}
	}
	if executed != 1 {
		t.Fatalf("expected 1 executed event for create_ticket, got %d", executed)
	}

	pend, err := g.Call(ctx, CallRequest{
		ToolName:   tools.UpdateCustomerStatus,
		Credential: goodKey,
		Arguments:  json.RawMessage(`{"customer_id":2,"new_status":"Suspended"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if pend.Status != StatusRequiresConfirmation || pend.PendingActionID == "" {
		t.Fatalf("expected requires_confirmation, got %+v", pend)
	}
	if c, _ := crm.Customer(2); c.Status != "Active" {
		t.Fatal("status changed before approval")
	}

	done, err := g.Confirm(ctx, ConfirmRequest{Credential: goodKey, PendingActionID: pend.PendingActionID, Approve: true})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusOK {
		t.Fatalf("expected ok, got %s", done.Status)
	}
	if c, _ := crm.Customer(2); c.Status != "Suspended" {
		t.Fatalf("expected status applied, got %q", c.Status)
	}

	if _, err := g.Confirm(ctx, ConfirmRequest{Credential: goodKey, PendingActionID: pend.PendingActionID, Approve: true}); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected already resolved, got %v", err)
	}
}
