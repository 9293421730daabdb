// Package policy decides whether a caller may invoke a tool.
package policy

import (
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// Denial reasons.
const (
	ReasonUnknownCaller = "unknown_caller"
	ReasonNotAllowed    = "tool_not_allowed"
	ReasonUnknownTool   = "unknown_tool"
)

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed          bool
	RequiresApproval bool
	Reason           string // set when Allowed is false
}

// ToolLookup is the subset of the registry the engine needs.
type ToolLookup interface {
	Lookup(name string) (registry.ToolDescriptor, bool)
}

// Engine is a pure function of its construction-time snapshot.
type Engine struct {
	allowed map[string]struct{}
	tools   ToolLookup
}

// NewEngine builds the allowlist set once.
func NewEngine(allowedTools []string, tools ToolLookup) *Engine {
	allowed := make(map[string]struct{}, len(allowedTools))
	for _, name := range allowedTools {
		allowed[name] = struct{}{}
	}
	return &Engine{allowed: allowed, tools: tools}
}

// Authorize fails closed: an empty caller key, a tool outside the
// allowlist, or a tool absent from the registry are all denied.
func (e *Engine) Authorize(callerKey, toolName string) Decision {
	if callerKey == "" {
		return Decision{Reason: ReasonUnknownCaller}
	}
	if _, ok := e.allowed[toolName]; !ok {
		return Decision{Reason: ReasonNotAllowed}
	}
	desc, ok := e.tools.Lookup(toolName)
	if !ok {
		return Decision{Reason: ReasonUnknownTool}
	}
	return Decision{Allowed: true, RequiresApproval: desc.RequiresApproval}
}

// IsAllowlisted reports whether name is on the allowlist.
func (e *Engine) IsAllowlisted(name string) bool {
	_, ok := e.allowed[name]
	return ok
}
