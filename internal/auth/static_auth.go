package auth

import "context"

// StaticAuthenticator is a development-only authenticator: any well-formed
// key maps to the configured tenant.
type StaticAuthenticator struct {
	tenantID string
}

func NewStaticAuthenticator(tenantID string) *StaticAuthenticator {
	if tenantID == "" {
		tenantID = "dev"
	}
	return &StaticAuthenticator{tenantID: tenantID}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*TenantContext, error) {
	if len(apiKey) < PrefixLen || apiKey[:len(KeyPrefix)] != KeyPrefix {
		return nil, ErrInvalidAPIKey
	}
	return &TenantContext{TenantID: a.tenantID, Name: a.tenantID}, nil
}
