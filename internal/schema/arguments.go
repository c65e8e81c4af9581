package schema

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
)

// phonePattern stands in for the non-standard "phone" format.
const phonePattern = `^\+?[0-9 ().\-]{7,20}$`

// ToJSONSchema renders a parameter block as a JSON Schema document.
// The same document is what the function-calling export exposes.
func ToJSONSchema(ps *registry.ParameterSchema) map[string]any {
	if ps == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	props := make(map[string]any, len(ps.Properties))
	for name, p := range ps.Properties {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		switch p.Format {
		case "":
		case "url":
			prop["format"] = "uri"
		case "phone":
			prop["pattern"] = phonePattern
		default:
			prop["format"] = p.Format
		}
		props[name] = prop
	}

	required := ps.RequiredNames()
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		reqAny := make([]any, len(required))
		for i, r := range required {
			reqAny[i] = r
		}
		out["required"] = reqAny
	}
	return out
}

// ArgumentValidator checks dispatch-time arguments against a tool's parameter
// block. Compiled schemas are cached per tool revision.
type ArgumentValidator struct {
	mu    sync.Mutex
	cache map[string]compiledSchema
}

type compiledSchema struct {
	revision time.Time
	schema   *jsonschema.Schema
}

// NewArgumentValidator creates an ArgumentValidator with an empty cache.
func NewArgumentValidator() *ArgumentValidator {
	return &ArgumentValidator{cache: make(map[string]compiledSchema)}
}

// Validate returns nil when args satisfy the tool's parameter block.
func (v *ArgumentValidator) Validate(def *registry.ToolDefinition, args map[string]any) error {
	if def.Parameters == nil {
		return nil
	}
	sch, err := v.compiled(def)
	if err != nil {
		return err
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := sch.Validate(toInstance(args)); err != nil {
		return fmt.Errorf("arguments do not match parameter schema: %s", flatten(err))
	}
	return nil
}

func (v *ArgumentValidator) compiled(def *registry.ToolDefinition) (*jsonschema.Schema, error) {
	key := def.TenantID + ":" + def.Name
	v.mu.Lock()
	cs, ok := v.cache[key]
	v.mu.Unlock()
	if ok && cs.revision.Equal(def.UpdatedAt) {
		return cs.schema, nil
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("parameters.json", toInstance(ToJSONSchema(def.Parameters))); err != nil {
		return nil, fmt.Errorf("compiled: %w", err)
	}
	sch, err := c.Compile("parameters.json")
	if err != nil {
		return nil, fmt.Errorf("compiled: %w", err)
	}

	v.mu.Lock()
	v.cache[key] = compiledSchema{revision: def.UpdatedAt, schema: sch}
	v.mu.Unlock()
	return sch, nil
}

// toInstance normalizes Go values into the shapes the validator expects
// ([]any / map[string]any / float64).
func toInstance(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toInstance(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toInstance(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

func flatten(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
