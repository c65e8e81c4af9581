package security

import (
	"errors"
	"testing"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
)

func TestCheckDomain(t *testing.T) {
	e := NewEnforcer([]string{"example.com", "API.Partner.io."}, nil)

	tests := []struct {
		name     string
		endpoint string
		allowed  []string
		wantOK   bool
	}{
		{"relative path bypasses", "/api/price", nil, true},
		{"exact base match", "https://example.com/x", nil, true},
		{"subdomain of base", "https://shop.example.com/x", nil, true},
		{"normalized base entry", "https://api.partner.io/v1", nil, true},
		{"suffix without dot boundary", "https://badexample.com/x", nil, false},
		{"unknown domain", "https://evil.example.org/x", nil, false},
		{"tool list narrows base", "https://shop.example.com/x", []string{"billing.example.com"}, false},
		{"tool list satisfied", "https://billing.example.com/x", []string{"billing.example.com"}, true},
		{"tool list cannot widen base", "https://evil.test/x", []string{"evil.test"}, false},
		{"protocol-relative is not relative", "//evil.test/x", nil, false},
		{"garbage", "not a url", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CheckDomain(tt.endpoint, tt.allowed)
			if tt.wantOK && err != nil {
				t.Fatalf("expected ok, got %v", err)
			}
			if !tt.wantOK {
				var v *Violation
				if !errors.As(err, &v) || v.Rule != "domain" {
					t.Fatalf("expected domain violation, got %v", err)
				}
			}
		})
	}
}

func TestCheckDomain_EvilEndpointRejected(t *testing.T) {
	e := NewEnforcer([]string{"api.partner.io"}, nil)
	if err := e.CheckDomain("https://evil.example.com/x", nil); err == nil {
		t.Fatal("expected evil.example.com to be rejected")
	}
}

func TestSetBaseDomains_TakesEffectImmediately(t *testing.T) {
	e := NewEnforcer([]string{"example.com"}, nil)
	if err := e.CheckDomain("https://example.com/x", nil); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	e.SetBaseDomains([]string{"other.com"})
	if err := e.CheckDomain("https://example.com/x", nil); err == nil {
		t.Fatal("expected rejection after allow-list change")
	}
	if got := e.BaseDomains(); len(got) != 1 || got[0] != "other.com" {
		t.Fatalf("unexpected base domains %v", got)
	}
}

func TestCheckForbiddenParams(t *testing.T) {
	e := NewEnforcer(nil, []string{"  SSN "})

	tests := []struct {
		name   string
		params []string
		wantOK bool
	}{
		{"clean", []string{"sku", "quantity", "city"}, true},
		{"camel case secret", []string{"sku", "apiSecretKey"}, false},
		{"upper token", []string{"ACCESS_TOKEN"}, false},
		{"embedded key", []string{"monkey"}, false},
		{"admin flag", []string{"is_admin"}, false},
		{"extra term", []string{"customer_ssn"}, false},
		{"empty", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CheckForbiddenParams(tt.params)
			if tt.wantOK != (err == nil) {
				t.Fatalf("wantOK=%v, got %v", tt.wantOK, err)
			}
		})
	}
}

func TestCheckDefinition(t *testing.T) {
	e := NewEnforcer([]string{"example.com"}, nil)
	def := &registry.ToolDefinition{
		Config: &registry.ToolConfig{Endpoint: "https://api.example.com/search", Method: "GET"},
		Parameters: &registry.ParameterSchema{
			Type:       "object",
			Properties: map[string]registry.Property{"query": {Type: "string", Description: "q"}},
		},
	}
	if err := e.CheckDefinition(def); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	def.Parameters.Properties["password"] = registry.Property{Type: "string", Description: "p"}
	var v *Violation
	if err := e.CheckDefinition(def); !errors.As(err, &v) || v.Rule != "forbidden_param" {
		t.Fatalf("expected forbidden_param violation, got %v", err)
	}

	if err := e.CheckDefinition(&registry.ToolDefinition{}); err == nil {
		t.Fatal("expected violation for missing config")
	}
}

func TestForbiddenMatch(t *testing.T) {
	if got := ForbiddenMatch("apiSecretKey", DefaultForbiddenSubstrings); got != "secret" {
		t.Fatalf("expected secret, got %q", got)
	}
	if got := ForbiddenMatch("city", DefaultForbiddenSubstrings); got != "" {
		t.Fatalf("expected no match, got %q", got)
	}
}
