package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/triage-ai/palisade/services/tool_gate/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/gate"
	"github.com/triage-ai/palisade/services/tool_gate/internal/idempotency"
	"github.com/triage-ai/palisade/services/tool_gate/internal/pending"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
	"github.com/triage-ai/palisade/services/tool_gate/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tools"
)

const testKey = "tsk_testkey1234"

// setupTestServer creates a real gRPC server+client for integration testing.
func setupTestServer(t *testing.T, threshold int) (*Client, *grpc.ClientConn, *audit.Log, func()) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	reg := registry.MustNew(tools.Build(tools.NewCRM(), tools.Options{Logger: logger})...)
	log := audit.NewLog(audit.Options{Logger: logger})
	g := gate.New(gate.Options{
		Authenticator: auth.NewStaticAuthenticator(testKey),
		Limiter:       ratelimit.NewMemoryLimiter(threshold, time.Minute),
		Policy:        policy.NewEngine([]string{tools.SearchCustomer, tools.CreateTicket, tools.UpdateCustomerStatus}, reg),
		Registry:      reg,
		Idempotency:   idempotency.NewCache(idempotency.NewMemoryStore(0), 5*time.Second, logger),
		Pending:       pending.NewMemoryStore(0),
		Audit:         log,
		Logger:        logger,
	})

	grpcServer := grpc.NewServer()
	RegisterToolGateService(grpcServer, NewToolGateServer(g, logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		_ = conn.Close()
		grpcServer.Stop()
	}

	return NewClient(conn), conn, log, cleanup
}

func authCtx() context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + testKey,
	})
	return metadata.NewOutgoingContext(context.Background(), md)
}

func TestServer_ReadToolCall(t *testing.T) {
	client, _, _, cleanup := setupTestServer(t, 0)
	defer cleanup()

	resp, err := client.Call(authCtx(), &CallRequest{
		ToolName:  tools.SearchCustomer,
		Arguments: json.RawMessage(`{"query":"acme"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != gate.StatusOK {
		t.Fatalf("expected ok, got %s", resp.Status)
	}
	var out struct {
		Results []tools.Customer `json:"results"`
	}
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || out.Results[0].Name != "ACME AB" {
		t.Fatalf("unexpected results %+v", out.Results)
	}
	if resp.CorrelationID == "" {
		t.Fatal("expected non-empty correlation_id")
	}
}

func TestServer_IdempotentReplay(t *testing.T) {
	client, _, log, cleanup := setupTestServer(t, 0)
	defer cleanup()

	req := &CallRequest{
		ToolName:       tools.CreateTicket,
		Arguments:      json.RawMessage(`{"customer_id":1,"title":"Printer on fire"}`),
		IdempotencyKey: "T-1",
	}
	first, err := client.Call(authCtx(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := client.Call(authCtx(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.IdempotentReplay || !second.IdempotentReplay {
		t.Fatal("expected execute then replay")
	}
	if string(first.Payload) != string(second.Payload) {
		t.Fatalf("payloads differ: %s vs %s", first.Payload, second.Payload)
	}

	executed := 0
	for _, e := range log.Tail(100) {
		if e.Decision == audit.DecisionExecuted {
			executed++
		}
	}
	if executed != 1 {
		t.Fatalf("expected 1 executed event, got %d", executed)
	}
}

func TestServer_ConfirmFlow(t *testing.T) {
	client, _, _, cleanup := setupTestServer(t, 0)
	defer cleanup()

	resp, err := client.Call(authCtx(), &CallRequest{
		ToolName:  tools.UpdateCustomerStatus,
		Arguments: json.RawMessage(`{"customer_id":3,"new_status":"Churned"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != gate.StatusRequiresConfirmation || resp.PendingActionID == "" {
		t.Fatalf("expected requires_confirmation, got %+v", resp)
	}

	done, err := client.Confirm(authCtx(), &ConfirmRequest{PendingActionID: resp.PendingActionID, Approve: true})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != gate.StatusOK {
		t.Fatalf("expected ok, got %s", done.Status)
	}

	_, err = client.Confirm(authCtx(), &ConfirmRequest{PendingActionID: resp.PendingActionID, Approve: true})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestServer_ErrorCodes(t *testing.T) {
	client, _, _, cleanup := setupTestServer(t, 0)
	defer cleanup()

	cases := []struct {
		name string
		ctx  context.Context
		req  *CallRequest
		want codes.Code
	}{
		{"no credentials", context.Background(), &CallRequest{ToolName: tools.SearchCustomer, Arguments: json.RawMessage(`{"query":"a"}`)}, codes.Unauthenticated},
		{"not allowlisted", authCtx(), &CallRequest{ToolName: tools.SendMessage, Arguments: json.RawMessage(`{"channel":"ops","message":"hi"}`)}, codes.PermissionDenied},
		{"invalid arguments", authCtx(), &CallRequest{ToolName: tools.SearchCustomer, Arguments: json.RawMessage(`{}`)}, codes.InvalidArgument},
		{"tool error", authCtx(), &CallRequest{ToolName: tools.CreateTicket, Arguments: json.RawMessage(`{"customer_id":404,"title":"Nobody home"}`)}, codes.Aborted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Call(tc.ctx, tc.req)
			if status.Code(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}

	_, err := client.Confirm(authCtx(), &ConfirmRequest{PendingActionID: "pa_missing", Approve: true})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestServer_RateLimitedCarriesRetryHint(t *testing.T) {
	client, _, _, cleanup := setupTestServer(t, 1)
	defer cleanup()

	req := &CallRequest{ToolName: tools.SearchCustomer, Arguments: json.RawMessage(`{"query":"acme"}`)}
	if _, err := client.Call(authCtx(), req); err != nil {
		t.Fatal(err)
	}

	var trailer metadata.MD
	_, err := client.Call(authCtx(), req, grpc.Trailer(&trailer))
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if len(trailer.Get(retryAfterHeader)) == 0 {
		t.Fatal("expected retry-after-ms trailer")
	}
}

func TestServer_ListTools(t *testing.T) {
	client, _, _, cleanup := setupTestServer(t, 0)
	defer cleanup()

	if _, err := client.ListTools(context.Background()); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	resp, err := client.ListTools(authCtx())
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Tools) != 5 {
		t.Fatalf("expected 5 tools, got %d", len(resp.Tools))
	}
	for _, info := range resp.Tools {
		if info.Name == tools.UpdateCustomerStatus && !info.RequiresApproval {
			t.Fatal("update_customer_status should require approval")
		}
	}
}

func TestServer_Health(t *testing.T) {
	_, conn, _, cleanup := setupTestServer(t, 0)
	defer cleanup()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.Status)
	}
}
