// Package registry maps tool names to descriptors and handlers. It is built
// once at startup and never mutated afterwards, so lookups need no locking.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrUnknownTool is returned for names that were never registered.
var ErrUnknownTool = errors.New("unknown tool")

type entry struct {
	desc    ToolDescriptor
	handler Handler
	input   *jsonschema.Schema // nil when the tool declares no input schema
	output  *jsonschema.Schema
}

// Registry is the read-only tool table.
type Registry struct {
	tools     map[string]*entry
	discovery []ToolInfo
}

// New builds a registry, compiling every schema up front. Duplicate names,
// missing handlers and invalid schemas are rejected.
func New(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*entry, len(tools))}
	for _, t := range tools {
		d := t.Descriptor
		if d.Name == "" {
			return nil, errors.New("registry.New: tool with empty name")
		}
		if _, dup := r.tools[d.Name]; dup {
			return nil, fmt.Errorf("registry.New: duplicate tool %q", d.Name)
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("registry.New: tool %q has no handler", d.Name)
		}
		if d.RiskTier == "" {
			d.RiskTier = RiskRead
		}

		e := &entry{desc: d, handler: t.Handler}
		var err error
		if e.input, err = compileSchema(d.Name+"/input", d.InputSchema); err != nil {
			return nil, fmt.Errorf("registry.New: %s input schema: %w", d.Name, err)
		}
		if e.output, err = compileSchema(d.Name+"/output", d.OutputSchema); err != nil {
			return nil, fmt.Errorf("registry.New: %s output schema: %w", d.Name, err)
		}
		r.tools[d.Name] = e
	}

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	r.discovery = make([]ToolInfo, 0, len(names))
	for _, name := range names {
		d := r.tools[name].desc
		input := d.InputSchema
		if input == nil {
			input = map[string]any{"type": "object"}
		}
		r.discovery = append(r.discovery, ToolInfo{
			Name:                   d.Name,
			Description:            d.Description,
			Risk:                   d.RiskTier,
			RequiresApproval:       d.RequiresApproval,
			SupportsIdempotencyKey: d.Idempotent,
			InputSchema:            input,
			OutputSchema:           d.OutputSchema,
		})
	}
	return r, nil
}

// MustNew is New for static tool tables; it panics on error.
func MustNew(tools ...Tool) *Registry {
	r, err := New(tools...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (ToolDescriptor, bool) {
	e, ok := r.tools[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return e.desc, true
}

// Handler returns the handler for name.
func (r *Registry) Handler(name string) (Handler, bool) {
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.discovery))
	for i, info := range r.discovery {
		out[i] = info.Name
	}
	return out
}

// Discovery returns the static discovery view, computed once in New.
// Callers must not modify the returned slice.
func (r *Registry) Discovery() []ToolInfo {
	return r.discovery
}
