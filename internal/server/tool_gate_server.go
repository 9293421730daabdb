package server

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/gate"
)

// retryAfterHeader carries the rate-limit retry hint in the response trailer.
const retryAfterHeader = "retry-after-ms"

// ToolGateServer implements the ToolGate gRPC service.
type ToolGateServer struct {
	gate   *gate.Gate
	logger *zap.Logger
}

// NewToolGateServer creates a new ToolGateServer.
func NewToolGateServer(g *gate.Gate, logger *zap.Logger) *ToolGateServer {
	return &ToolGateServer{gate: g, logger: logger}
}

// Call implements the ToolGate.Call RPC.
func (s *ToolGateServer) Call(ctx context.Context, req *CallRequest) (*gate.Response, error) {
	// A missing credential is passed through so the gate audits the denial.
	credential, _ := auth.CredentialFromMetadata(ctx)

	resp, err := s.gate.Call(ctx, gate.CallRequest{
		ToolName:        req.ToolName,
		Credential:      credential,
		Arguments:       req.Arguments,
		DedupToken:      req.IdempotencyKey,
		PendingActionID: req.PendingActionID,
		CorrelationID:   req.CorrelationID,
	})
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return resp, nil
}

// Confirm implements the ToolGate.Confirm RPC.
func (s *ToolGateServer) Confirm(ctx context.Context, req *ConfirmRequest) (*gate.Response, error) {
	credential, _ := auth.CredentialFromMetadata(ctx)

	resp, err := s.gate.Confirm(ctx, gate.ConfirmRequest{
		Credential:      credential,
		PendingActionID: req.PendingActionID,
		Approve:         req.Approve,
		CorrelationID:   req.CorrelationID,
	})
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return resp, nil
}

// ListTools implements the ToolGate.ListTools RPC.
func (s *ToolGateServer) ListTools(ctx context.Context, _ *ListToolsRequest) (*ListToolsResponse, error) {
	credential, _ := auth.CredentialFromMetadata(ctx)
	tools, err := s.gate.ListTools(ctx, credential)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &ListToolsResponse{Tools: tools}, nil
}

func (s *ToolGateServer) toStatus(ctx context.Context, err error) error {
	var rl *gate.RateLimitedError
	if errors.As(err, &rl) {
		md := metadata.Pairs(retryAfterHeader, strconv.FormatInt(rl.RetryAfter.Milliseconds(), 10))
		if terr := grpc.SetTrailer(ctx, md); terr != nil {
			s.logger.Debug("failed to set retry trailer", zap.Error(terr))
		}
	}

	code := codeFor(err)
	if code == codes.Internal {
		s.logger.Error("tool gate call failed", zap.Error(err))
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, gate.ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, gate.ErrRateLimited):
		return codes.ResourceExhausted
	case errors.Is(err, gate.ErrForbidden):
		return codes.PermissionDenied
	case errors.Is(err, gate.ErrInvalidArguments):
		return codes.InvalidArgument
	case errors.Is(err, gate.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, gate.ErrAlreadyResolved), errors.Is(err, gate.ErrExpired):
		return codes.FailedPrecondition
	case errors.Is(err, gate.ErrToolTimeout):
		return codes.DeadlineExceeded
	case errors.Is(err, gate.ErrToolExecution):
		return codes.Aborted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
