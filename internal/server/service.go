package server

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/triage-ai/palisade/services/tool_gate/internal/gate"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "toolgate.v1.ToolGate"

// CallRequest is the wire form of a tool call. The credential travels in
// metadata, never in the message.
type CallRequest struct {
	ToolName        string          `json:"tool_name"`
	Arguments       json.RawMessage `json:"arguments,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	PendingActionID string          `json:"pending_action_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
}

type ConfirmRequest struct {
	PendingActionID string `json:"pending_action_id"`
	Approve         bool   `json:"approve"`
	CorrelationID   string `json:"correlation_id,omitempty"`
}

type ListToolsRequest struct{}

type ListToolsResponse struct {
	Tools []registry.ToolInfo `json:"tools"`
}

// ToolGateService is the server API for the ToolGate service.
type ToolGateService interface {
	Call(context.Context, *CallRequest) (*gate.Response, error)
	Confirm(context.Context, *ConfirmRequest) (*gate.Response, error)
	ListTools(context.Context, *ListToolsRequest) (*ListToolsResponse, error)
}

// RegisterToolGateService registers srv on s.
func RegisterToolGateService(s grpc.ServiceRegistrar, srv ToolGateService) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolGateService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
		{MethodName: "Confirm", Handler: confirmHandler},
		{MethodName: "ListTools", Handler: listToolsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "toolgate/v1/tool_gate.proto",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CallRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolGateService).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Call"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolGateService).Call(ctx, req.(*CallRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func confirmHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ConfirmRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolGateService).Confirm(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Confirm"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolGateService).Confirm(ctx, req.(*ConfirmRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listToolsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListToolsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolGateService).ListTools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListTools"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolGateService).ListTools(ctx, req.(*ListToolsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the ToolGate service with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Call(ctx context.Context, in *CallRequest, opts ...grpc.CallOption) (*gate.Response, error) {
	out := new(gate.Response)
	if err := c.invoke(ctx, "Call", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Confirm(ctx context.Context, in *ConfirmRequest, opts ...grpc.CallOption) (*gate.Response, error) {
	out := new(gate.Response)
	if err := c.invoke(ctx, "Confirm", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTools(ctx context.Context, opts ...grpc.CallOption) (*ListToolsResponse, error) {
	out := new(ListToolsResponse)
	if err := c.invoke(ctx, "ListTools", &ListToolsRequest{}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}
