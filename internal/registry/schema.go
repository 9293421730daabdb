package registry

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports arguments (or output) that do not match a schema.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
}

func compileSchema(resource string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	// Round-trip through JSON so Go literals (ints, typed slices) become the
	// generic values the compiler expects.
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return nil, fmt.Errorf("schema unmarshal error: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource+".json", schemaObj); err != nil {
		return nil, fmt.Errorf("schema compile error: %w", err)
	}
	sch, err := c.Compile(resource + ".json")
	if err != nil {
		return nil, fmt.Errorf("schema compile error: %w", err)
	}
	return sch, nil
}

// ValidateArguments checks args against the tool's input schema. Empty args
// are treated as an empty object.
func (r *Registry) ValidateArguments(name string, args json.RawMessage) error {
	e, ok := r.tools[name]
	if !ok {
		return ErrUnknownTool
	}
	return validate(name, e.input, args, "arguments")
}

// ValidateOutput checks a tool result against its declared output schema.
func (r *Registry) ValidateOutput(name string, payload json.RawMessage) error {
	e, ok := r.tools[name]
	if !ok {
		return ErrUnknownTool
	}
	return validate(name, e.output, payload, "output")
}

func validate(tool string, sch *jsonschema.Schema, raw json.RawMessage, what string) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &ValidationError{Tool: tool, Reason: fmt.Sprintf("invalid JSON %s: %v", what, err)}
	}
	if what == "arguments" {
		if _, ok := v.(map[string]any); !ok {
			return &ValidationError{Tool: tool, Reason: "arguments must be a JSON object"}
		}
	}
	if sch == nil {
		return nil
	}
	if err := sch.Validate(v); err != nil {
		return &ValidationError{Tool: tool, Reason: fmt.Sprintf("schema validation failed: %v", err)}
	}
	return nil
}
