package schema

import (
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
)

func TestArgumentValidator(t *testing.T) {
	def := validDefinition()
	def.Parameters.Properties["contact"] = registry.Property{Type: "string", Description: "Email", Format: "email"}
	def.Parameters.Properties["qty"] = registry.Property{Type: "number", Description: "Quantity", Required: true}
	v := NewArgumentValidator()

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"sku": "ABC", "qty": float64(2)}, false},
		{"int is a number", map[string]any{"sku": "ABC", "qty": 2}, false},
		{"missing required list entry", map[string]any{"qty": float64(2)}, true},
		{"missing required flag", map[string]any{"sku": "ABC"}, true},
		{"wrong type", map[string]any{"sku": 12, "qty": float64(1)}, true},
		{"enum violated", map[string]any{"sku": "ABC", "qty": float64(1), "currency": "JPY"}, true},
		{"format violated", map[string]any{"sku": "ABC", "qty": float64(1), "contact": "not-an-email"}, true},
		{"nil args", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(def, tt.args)
			if tt.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestArgumentValidator_RecompilesOnRevision(t *testing.T) {
	v := NewArgumentValidator()
	def := validDefinition()
	def.UpdatedAt = time.Unix(100, 0)
	if err := v.Validate(def, map[string]any{"sku": "ABC"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated := validDefinition()
	updated.UpdatedAt = time.Unix(200, 0)
	updated.Parameters.Required = []string{"sku", "currency"}
	if err := v.Validate(updated, map[string]any{"sku": "ABC"}); err == nil {
		t.Fatal("expected new revision's required list to apply")
	}
}

func TestToJSONSchema(t *testing.T) {
	ps := &registry.ParameterSchema{
		Type: "object",
		Properties: map[string]registry.Property{
			"site":  {Type: "string", Description: "Site", Format: "url"},
			"phone": {Type: "string", Description: "Phone", Format: "phone", Required: true},
		},
	}
	out := ToJSONSchema(ps)
	props := out["properties"].(map[string]any)
	if props["site"].(map[string]any)["format"] != "uri" {
		t.Fatalf("expected url to map to uri, got %v", props["site"])
	}
	if _, ok := props["phone"].(map[string]any)["pattern"]; !ok {
		t.Fatalf("expected phone to map to a pattern, got %v", props["phone"])
	}
	req := out["required"].([]any)
	if len(req) != 1 || req[0] != "phone" {
		t.Fatalf("expected per-property required flag to be exported, got %v", req)
	}
}
