package mapping

import (
	"fmt"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
)

// Error reports a transform failure. Map still returns usable fallback data
// alongside it.
type Error struct {
	Expression string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transform failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Map shapes a raw upstream body per the tool's response mapping.
// Precedence: transform expression, then success/error path, then the raw body.
// A failing transform yields a *Error together with the path-or-raw fallback.
func Map(rm *registry.ResponseMapping, raw []byte, success bool) (any, error) {
	decoded, isJSON := Decode(raw)
	if rm == nil || !isJSON {
		return decoded, nil
	}

	var mapErr error
	if rm.TransformExpression != "" {
		t, err := ParseTransform(rm.TransformExpression)
		if err == nil && t.AppliesTo(success) {
			out, applyErr := t.Apply(raw)
			if applyErr == nil {
				return out, nil
			}
			err = applyErr
		}
		if err != nil {
			mapErr = &Error{Expression: rm.TransformExpression, Err: err}
		}
	}

	path := rm.SuccessPath
	if !success {
		path = rm.ErrorPath
	}
	if path != "" {
		if v, ok := Extract(raw, path); ok {
			return v, mapErr
		}
	}
	return decoded, mapErr
}
