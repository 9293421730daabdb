// Package mcpserver exposes the gated tools over the Model Context Protocol.
// Every MCP tool call is routed through the gate; nothing here invokes a
// tool handler directly.
//
// Pending actions cannot be resolved over MCP. The agent on the other end
// of this transport is the party whose risky calls need a human decision,
// so confirmation lives on the operator HTTP and gRPC surfaces only.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpgo "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/gate"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// Config names the MCP server.
type Config struct {
	Name    string
	Version string
}

// Server wraps an mcp-go server whose tools dispatch through the gate.
type Server struct {
	gate      *gate.Gate
	mcpServer *mcpgo.MCPServer
	logger    *zap.Logger
}

// New registers one MCP tool per registry entry.
func New(cfg Config, g *gate.Gate, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		gate:      g,
		mcpServer: mcpgo.NewMCPServer(cfg.Name, cfg.Version, mcpgo.WithToolCapabilities(false)),
		logger:    logger,
	}

	infos := g.Tools()
	serverTools := make([]mcpgo.ServerTool, 0, len(infos))
	for _, info := range infos {
		st, err := s.gatedTool(info)
		if err != nil {
			return nil, err
		}
		serverTools = append(serverTools, st)
	}
	s.mcpServer.AddTools(serverTools...)
	return s, nil
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpgo.MCPServer {
	return s.mcpServer
}

// Handler serves the MCP streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcpgo.NewStreamableHTTPServer(s.mcpServer, mcpgo.WithHTTPContextFunc(httpContext))
}

type metaKey struct{}

// callMeta carries the per-request headers the gate needs besides the
// credential.
type callMeta struct {
	dedupToken      string
	pendingActionID string
	correlationID   string
}

// httpContext lifts the credential and gate headers off the HTTP request.
func httpContext(ctx context.Context, r *http.Request) context.Context {
	ctx = auth.WithCredential(ctx, auth.CredentialFromHeader(r.Header))
	return context.WithValue(ctx, metaKey{}, callMeta{
		dedupToken:      r.Header.Get("Idempotency-Key"),
		pendingActionID: r.Header.Get("X-Pending-Action-Id"),
		correlationID:   r.Header.Get("X-Correlation-Id"),
	})
}

func metaFrom(ctx context.Context) callMeta {
	m, _ := ctx.Value(metaKey{}).(callMeta)
	return m
}

func (s *Server) gatedTool(info registry.ToolInfo) (mcpgo.ServerTool, error) {
	schema := info.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return mcpgo.ServerTool{}, err
	}
	return mcpgo.ServerTool{
		Tool:    mcplib.NewToolWithRawSchema(info.Name, info.Description, raw),
		Handler: s.handleCall(info.Name),
	}, nil
}

func (s *Server) handleCall(name string) mcpgo.ToolHandlerFunc {
	return func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		body, err := json.Marshal(args)
		if err != nil {
			return mcplib.NewToolResultError("arguments are not valid JSON"), nil
		}

		meta := metaFrom(ctx)
		resp, err := s.gate.Call(ctx, gate.CallRequest{
			ToolName:        name,
			Credential:      auth.CredentialFromContext(ctx),
			Arguments:       body,
			DedupToken:      meta.dedupToken,
			PendingActionID: meta.pendingActionID,
			CorrelationID:   meta.correlationID,
		})
		return s.result(resp, err)
	}
}

// result renders a gate outcome. Gate refusals are tool errors visible to
// the model, not protocol errors.
func (s *Server) result(resp *gate.Response, err error) (*mcplib.CallToolResult, error) {
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal gate response", zap.Error(err))
		return mcplib.NewToolResultError("internal error"), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
