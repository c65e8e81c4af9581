// Package auth resolves tenant API keys ("trk_...") to tenant identities.
package auth

import (
	"context"
	"errors"
	"strings"
)

// KeyPrefix starts every tenant API key. The first PrefixLen characters are
// stored in clear for lookup; the full key is only stored as a bcrypt hash.
const (
	KeyPrefix = "trk_"
	PrefixLen = 8
)

var (
	ErrUnauthenticated = errors.New("missing or malformed authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// TenantContext is the authenticated caller.
type TenantContext struct {
	TenantID string
	Name     string
}

// Authenticator validates an API key and returns its tenant.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*TenantContext, error)
}

// ExtractBearerToken pulls a trk_ key out of an Authorization header value.
// The scheme is matched case-insensitively.
func ExtractBearerToken(header string) (string, error) {
	const scheme = "bearer "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", ErrUnauthenticated
	}
	token := strings.TrimSpace(header[len(scheme):])
	if len(token) < PrefixLen || !strings.HasPrefix(token, KeyPrefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}

type contextKey int

const tenantCtxKey contextKey = iota

// WithTenant stores the authenticated tenant in ctx.
func WithTenant(ctx context.Context, tenant *TenantContext) context.Context {
	return context.WithValue(ctx, tenantCtxKey, tenant)
}

// TenantFromContext returns the tenant stored by WithTenant, or nil.
func TenantFromContext(ctx context.Context) *TenantContext {
	v, _ := ctx.Value(tenantCtxKey).(*TenantContext)
	return v
}
