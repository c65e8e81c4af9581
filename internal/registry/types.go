package registry

import (
	"sort"
	"time"
)

// HTTP methods a tool may be configured with.
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)

// Authentication schemes a tool may be configured with.
const (
	AuthNone   = "none"
	AuthAPIKey = "api_key"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
)

// Parameter kinds accepted in a tool's parameter block.
const (
	KindString  = "string"
	KindNumber  = "number"
	KindBoolean = "boolean"
	KindArray   = "array"
)

// DefaultTimeoutMs applies when a tool config leaves TimeoutMs unset.
const DefaultTimeoutMs = 10_000

// ToolDefinition is a tenant-scoped, named HTTP capability.
type ToolDefinition struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	Name            string           `json:"name"`
	DisplayName     string           `json:"display_name"`
	Description     string           `json:"description"`
	Category        string           `json:"category"`
	IsActive        bool             `json:"is_active"`
	Config          *ToolConfig      `json:"config"`
	Parameters      *ParameterSchema `json:"parameters"`
	ResponseMapping *ResponseMapping `json:"response_mapping,omitempty"`
	Security        SecurityPolicy   `json:"security"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ToolConfig describes the outbound HTTP call.
type ToolConfig struct {
	Endpoint   string            `json:"endpoint"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	AuthType   string            `json:"auth_type,omitempty"`
	AuthConfig AuthConfig        `json:"auth_config,omitempty"`
	TimeoutMs  int               `json:"timeout_ms,omitempty"`
}

// AuthConfig carries the credential fields for every auth scheme.
// Only the fields matching ToolConfig.AuthType are read.
type AuthConfig struct {
	APIKey     string `json:"api_key,omitempty"`
	HeaderName string `json:"header_name,omitempty"` // api_key only, defaults to X-API-Key
	Token      string `json:"token,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// ParameterSchema is the argument block exposed to the calling agent.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes a single named argument.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Format      string `json:"format,omitempty"`
}

// ResponseMapping controls how the upstream body is shaped before it is returned.
type ResponseMapping struct {
	SuccessPath         string `json:"success_path,omitempty"`
	ErrorPath           string `json:"error_path,omitempty"`
	TransformExpression string `json:"transform_expression,omitempty"`
}

// SecurityPolicy narrows what a tool is permitted to do at dispatch time.
type SecurityPolicy struct {
	RateLimit      *RateLimit `json:"rate_limit,omitempty"`
	AllowedDomains []string   `json:"allowed_domains,omitempty"`
	MaxTimeoutMs   int        `json:"max_timeout_ms,omitempty"`
}

// RateLimit allows Requests calls per Window ("1m", "5m", "15m", "1h", "1d").
type RateLimit struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"`
}

// PropertyNames returns the parameter names declared by the tool.
func (t *ToolDefinition) PropertyNames() []string {
	if t.Parameters == nil {
		return nil
	}
	names := make([]string, 0, len(t.Parameters.Properties))
	for name := range t.Parameters.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EffectiveTimeoutMs resolves the dispatch deadline, capped by the security policy.
// fallbackMs applies when the config leaves TimeoutMs unset; zero means DefaultTimeoutMs.
func (t *ToolDefinition) EffectiveTimeoutMs(fallbackMs int) int {
	timeout := DefaultTimeoutMs
	if fallbackMs > 0 {
		timeout = fallbackMs
	}
	if t.Config != nil && t.Config.TimeoutMs > 0 {
		timeout = t.Config.TimeoutMs
	}
	if t.Security.MaxTimeoutMs > 0 && timeout > t.Security.MaxTimeoutMs {
		timeout = t.Security.MaxTimeoutMs
	}
	return timeout
}

// Clone returns a deep copy so cached definitions are never mutated by callers.
func (t *ToolDefinition) Clone() *ToolDefinition {
	if t == nil {
		return nil
	}
	c := *t
	if t.Config != nil {
		cfg := *t.Config
		if t.Config.Headers != nil {
			cfg.Headers = make(map[string]string, len(t.Config.Headers))
			for k, v := range t.Config.Headers {
				cfg.Headers[k] = v
			}
		}
		c.Config = &cfg
	}
	if t.Parameters != nil {
		ps := *t.Parameters
		ps.Properties = make(map[string]Property, len(t.Parameters.Properties))
		for k, v := range t.Parameters.Properties {
			ps.Properties[k] = v
		}
		ps.Required = append([]string(nil), t.Parameters.Required...)
		c.Parameters = &ps
	}
	if t.ResponseMapping != nil {
		rm := *t.ResponseMapping
		c.ResponseMapping = &rm
	}
	if t.Security.RateLimit != nil {
		rl := *t.Security.RateLimit
		c.Security.RateLimit = &rl
	}
	c.Security.AllowedDomains = append([]string(nil), t.Security.AllowedDomains...)
	return &c
}

// RequiredNames merges the schema-level required list with per-property required flags.
func (p *ParameterSchema) RequiredNames() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]bool, len(p.Required))
	out := make([]string, 0, len(p.Required))
	for _, name := range p.Required {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	var flagged []string
	for name, prop := range p.Properties {
		if prop.Required && !seen[name] {
			flagged = append(flagged, name)
		}
	}
	sort.Strings(flagged)
	return append(out, flagged...)
}
