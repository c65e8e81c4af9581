// Package security gates tool definitions and dispatches on domain
// allow-lists and credential-shaped parameter names.
package security

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
)

// DefaultForbiddenSubstrings are matched case-insensitively against parameter names.
var DefaultForbiddenSubstrings = []string{
	"password", "secret", "key", "token", "auth",
	"credential", "admin", "root", "system", "debug",
}

// Violation describes why a definition or endpoint was rejected.
type Violation struct {
	Rule   string // "domain" or "forbidden_param"
	Reason string
}

func (v *Violation) Error() string {
	return v.Reason
}

// ForbiddenMatch returns the first forbidden substring contained in name, or "".
func ForbiddenMatch(name string, forbidden []string) string {
	lower := strings.ToLower(name)
	for _, s := range forbidden {
		if s != "" && strings.Contains(lower, s) {
			return s
		}
	}
	return ""
}

// Enforcer checks endpoints against the global base allow-list and a tool's
// own narrower list, and parameter names against the forbidden set.
// The base list may be swapped at runtime; checks in flight see either the old
// or the new list, never a mix.
type Enforcer struct {
	baseDomains atomic.Pointer[[]string]
	forbidden   []string
}

// NewEnforcer builds an Enforcer. extraForbidden is appended to DefaultForbiddenSubstrings.
func NewEnforcer(baseDomains []string, extraForbidden []string) *Enforcer {
	e := &Enforcer{}
	e.SetBaseDomains(baseDomains)
	e.forbidden = append([]string(nil), DefaultForbiddenSubstrings...)
	for _, s := range extraForbidden {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			e.forbidden = append(e.forbidden, s)
		}
	}
	return e
}

// SetBaseDomains replaces the global allow-list.
func (e *Enforcer) SetBaseDomains(domains []string) {
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		if d = normalizeHost(d); d != "" {
			normalized = append(normalized, d)
		}
	}
	e.baseDomains.Store(&normalized)
}

// BaseDomains returns a copy of the current global allow-list.
func (e *Enforcer) BaseDomains() []string {
	return append([]string(nil), *e.baseDomains.Load()...)
}

// Forbidden returns the substrings this enforcer rejects.
func (e *Enforcer) Forbidden() []string {
	return append([]string(nil), e.forbidden...)
}

// CheckDomain accepts relative paths unconditionally. Absolute endpoints must
// match the base list and, when allowed is non-empty, that list too.
func (e *Enforcer) CheckDomain(endpoint string, allowed []string) error {
	if strings.HasPrefix(endpoint, "/") && !strings.HasPrefix(endpoint, "//") {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return &Violation{Rule: "domain", Reason: fmt.Sprintf("endpoint %q is not a valid absolute URL", endpoint)}
	}
	host := normalizeHost(u.Hostname())

	if !matchesAny(host, *e.baseDomains.Load()) {
		return &Violation{Rule: "domain", Reason: fmt.Sprintf("domain %q is not in the global allow-list", host)}
	}
	if len(allowed) > 0 {
		narrowed := make([]string, 0, len(allowed))
		for _, d := range allowed {
			narrowed = append(narrowed, normalizeHost(d))
		}
		if !matchesAny(host, narrowed) {
			return &Violation{Rule: "domain", Reason: fmt.Sprintf("domain %q is not in the tool's allowed domains", host)}
		}
	}
	return nil
}

// CheckForbiddenParams rejects the first name containing a forbidden substring.
func (e *Enforcer) CheckForbiddenParams(names []string) error {
	for _, name := range names {
		if match := ForbiddenMatch(name, e.forbidden); match != "" {
			return &Violation{
				Rule:   "forbidden_param",
				Reason: fmt.Sprintf("parameter %q contains forbidden term %q", name, match),
			}
		}
	}
	return nil
}

// CheckDefinition runs both checks against a resolved definition.
func (e *Enforcer) CheckDefinition(def *registry.ToolDefinition) error {
	if def.Config == nil {
		return &Violation{Rule: "domain", Reason: "tool has no endpoint configured"}
	}
	if err := e.CheckDomain(def.Config.Endpoint, def.Security.AllowedDomains); err != nil {
		return err
	}
	return e.CheckForbiddenParams(def.PropertyNames())
}

func matchesAny(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}
