package registry

import (
	"context"
	"encoding/json"
)

// RiskTier is informational; approval is driven by RequiresApproval.
type RiskTier string

const (
	RiskRead        RiskTier = "read"
	RiskWrite       RiskTier = "write"
	RiskDestructive RiskTier = "destructive"
)

// ToolDescriptor describes one gated tool. Immutable once registered.
type ToolDescriptor struct {
	Name             string
	Description      string
	InputSchema      map[string]any // JSON Schema, nil accepts any object
	OutputSchema     map[string]any // JSON Schema, nil if not declared
	RiskTier         RiskTier
	RequiresApproval bool
	Idempotent       bool
}

// Handler executes a tool with already-validated arguments.
type Handler interface {
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}

// Prechecker is implemented by handlers that can refuse a call up front,
// before the gate parks it for approval.
type Prechecker interface {
	Precheck(ctx context.Context, args json.RawMessage) error
}

// CheckedHandler is a HandlerFunc with a precheck.
type CheckedHandler struct {
	HandlerFunc
	Check func(ctx context.Context, args json.RawMessage) error
}

func (c CheckedHandler) Precheck(ctx context.Context, args json.RawMessage) error {
	return c.Check(ctx, args)
}

// Tool binds a descriptor to its handler.
type Tool struct {
	Descriptor ToolDescriptor
	Handler    Handler
}

// ToolInfo is the discovery view of a tool.
type ToolInfo struct {
	Name                   string         `json:"name"`
	Description            string         `json:"description"`
	Risk                   RiskTier       `json:"risk"`
	RequiresApproval       bool           `json:"requires_approval"`
	SupportsIdempotencyKey bool           `json:"supports_idempotency_key"`
	InputSchema            map[string]any `json:"input_schema"`
	OutputSchema           map[string]any `json:"output_schema,omitempty"`
}
