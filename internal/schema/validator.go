// Package schema validates tool definitions before they are stored and call
// arguments before they are dispatched.
package schema

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"

	"github.com/triage-ai/palisade/services/tool_runner/internal/mapping"
	"github.com/triage-ai/palisade/services/tool_runner/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/security"
)

const (
	maxNameLen        = 50
	maxDisplayNameLen = 100
	maxDescriptionLen = 500
	maxCategoryLen    = 50
	minTimeoutMs      = 1000
	maxTimeoutMs      = 30000

	openAIMaxNameLen        = 64
	openAIMaxDescriptionLen = 1024
	openAIMaxProperties     = 100
)

var (
	namePattern         = regexp.MustCompile(`^[a-z0-9_]+$`)
	openAINamePattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	relativePathPattern = regexp.MustCompile(`^/[A-Za-z0-9\-._~!$&'()*+,;=:@/%?]*$`)
)

var validMethods = map[string]bool{
	registry.MethodGet:    true,
	registry.MethodPost:   true,
	registry.MethodPut:    true,
	registry.MethodDelete: true,
}

var validKinds = map[string]bool{
	registry.KindString:  true,
	registry.KindNumber:  true,
	registry.KindBoolean: true,
	registry.KindArray:   true,
}

var validFormats = map[string]bool{
	"email": true,
	"phone": true,
	"date":  true,
	"url":   true,
	"uuid":  true,
}

// Result is the outcome of a validation pass. Errors holds one entry per violation.
type Result struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

type collector struct {
	errs []string
}

func (c *collector) addf(format string, args ...any) {
	c.errs = append(c.errs, fmt.Sprintf(format, args...))
}

func (c *collector) result() Result {
	if c.errs == nil {
		c.errs = []string{}
	}
	return Result{IsValid: len(c.errs) == 0, Errors: c.errs}
}

// Validate runs every definition check and reports all violations at once.
func Validate(def *registry.ToolDefinition) Result {
	c := &collector{}
	if def == nil {
		c.addf("definition is required")
		return c.result()
	}

	// Required top-level fields
	required := []struct {
		field   string
		missing bool
	}{
		{"name", def.Name == ""},
		{"display_name", def.DisplayName == ""},
		{"description", def.Description == ""},
		{"category", def.Category == ""},
		{"tenant_id", def.TenantID == ""},
		{"config", def.Config == nil},
		{"parameters", def.Parameters == nil},
	}
	for _, r := range required {
		if r.missing {
			c.addf("%s is required", r.field)
		}
	}

	// Lengths and naming
	if def.Name != "" {
		if !namePattern.MatchString(def.Name) {
			c.addf("name must contain only lowercase letters, digits and underscores")
		}
		if len(def.Name) > maxNameLen {
			c.addf("name must be at most %d characters", maxNameLen)
		}
	}
	if len(def.DisplayName) > maxDisplayNameLen {
		c.addf("display_name must be at most %d characters", maxDisplayNameLen)
	}
	if len(def.Description) > maxDescriptionLen {
		c.addf("description must be at most %d characters", maxDescriptionLen)
	}
	if len(def.Category) > maxCategoryLen {
		c.addf("category must be at most %d characters", maxCategoryLen)
	}

	if def.Config != nil {
		validateConfig(c, def.Config)
	}
	if def.Parameters != nil {
		validateParameters(c, def.Parameters)
	}
	if def.ResponseMapping != nil {
		validateResponseMapping(c, def.ResponseMapping)
	}
	validateSecurityPolicy(c, &def.Security)

	return c.result()
}

// ValidateParameterSchema checks a parameter block in isolation.
func ValidateParameterSchema(ps *registry.ParameterSchema) Result {
	c := &collector{}
	if ps == nil {
		c.addf("parameters is required")
		return c.result()
	}
	validateParameters(c, ps)
	return c.result()
}

// ValidateOpenAICompatibility layers function-calling limits on top of Validate.
func ValidateOpenAICompatibility(def *registry.ToolDefinition) Result {
	base := Validate(def)
	c := &collector{errs: base.Errors}
	if def == nil {
		return c.result()
	}
	if len(def.Name) > openAIMaxNameLen {
		c.addf("name must be at most %d characters for function calling", openAIMaxNameLen)
	}
	if def.Name != "" && !openAINamePattern.MatchString(def.Name) {
		c.addf("name must match %s for function calling", openAINamePattern.String())
	}
	if len(def.Description) > openAIMaxDescriptionLen {
		c.addf("description must be at most %d characters for function calling", openAIMaxDescriptionLen)
	}
	if def.Parameters != nil && len(def.Parameters.Properties) > openAIMaxProperties {
		c.addf("parameters must declare at most %d properties for function calling", openAIMaxProperties)
	}
	return c.result()
}

func validateConfig(c *collector, cfg *registry.ToolConfig) {
	switch {
	case cfg.Endpoint == "":
		c.addf("config.endpoint is required")
	case !validEndpoint(cfg.Endpoint):
		c.addf("config.endpoint must be an http(s) URL or a path starting with /")
	}

	if !validMethods[cfg.Method] {
		c.addf("config.method must be one of GET, POST, PUT, DELETE")
	}

	if cfg.TimeoutMs != 0 && (cfg.TimeoutMs < minTimeoutMs || cfg.TimeoutMs > maxTimeoutMs) {
		c.addf("config.timeout_ms must be between %d and %d", minTimeoutMs, maxTimeoutMs)
	}

	ac := cfg.AuthConfig
	switch cfg.AuthType {
	case "", registry.AuthNone:
	case registry.AuthAPIKey:
		if ac.APIKey == "" {
			c.addf("config.auth_config.api_key is required for api_key auth")
		}
	case registry.AuthBearer:
		if ac.Token == "" {
			c.addf("config.auth_config.token is required for bearer auth")
		}
	case registry.AuthBasic:
		if ac.Username == "" || ac.Password == "" {
			c.addf("config.auth_config.username and password are required for basic auth")
		}
	default:
		c.addf("config.auth_type must be one of none, api_key, bearer, basic")
	}
}

func validEndpoint(endpoint string) bool {
	if endpoint[0] == '/' {
		return len(endpoint) == 1 || endpoint[1] != '/' && relativePathPattern.MatchString(endpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validateParameters(c *collector, ps *registry.ParameterSchema) {
	if ps.Type != "object" {
		c.addf(`parameters.type must be "object"`)
	}
	if len(ps.Properties) == 0 {
		c.addf("parameters.properties must declare at least one property")
	}

	for _, name := range sortedKeys(ps.Properties) {
		prop := ps.Properties[name]
		if !validKinds[prop.Type] {
			c.addf("parameters.properties.%s.type must be one of string, number, boolean, array", name)
		}
		if prop.Description == "" {
			c.addf("parameters.properties.%s.description is required", name)
		}
		if prop.Format != "" && !validFormats[prop.Format] {
			c.addf("parameters.properties.%s.format must be one of email, phone, date, url, uuid", name)
		}
	}

	for _, name := range ps.Required {
		if _, ok := ps.Properties[name]; !ok {
			c.addf("parameters.required entry %q is not a declared property", name)
		}
	}

	for _, name := range sortedKeys(ps.Properties) {
		if match := security.ForbiddenMatch(name, security.DefaultForbiddenSubstrings); match != "" {
			c.addf("parameter %q contains forbidden term %q", name, match)
		}
	}
}

func validateResponseMapping(c *collector, rm *registry.ResponseMapping) {
	if rm.TransformExpression != "" {
		if _, err := mapping.ParseTransform(rm.TransformExpression); err != nil {
			c.addf("response_mapping.transform_expression is invalid: %v", err)
		}
	}
}

func validateSecurityPolicy(c *collector, sp *registry.SecurityPolicy) {
	if rl := sp.RateLimit; rl != nil {
		if rl.Requests <= 0 {
			c.addf("security.rate_limit.requests must be positive")
		}
		if !ratelimit.KnownWindow(rl.Window) {
			c.addf("security.rate_limit.window must be one of 1m, 5m, 15m, 1h, 1d")
		}
	}
	if sp.MaxTimeoutMs != 0 && (sp.MaxTimeoutMs < minTimeoutMs || sp.MaxTimeoutMs > maxTimeoutMs) {
		c.addf("security.max_timeout_ms must be between %d and %d", minTimeoutMs, maxTimeoutMs)
	}
	for _, d := range sp.AllowedDomains {
		if d == "" {
			c.addf("security.allowed_domains must not contain empty entries")
			break
		}
	}
}

func sortedKeys(m map[string]registry.Property) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
