package request

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
)

// DefaultAPIKeyHeader carries api_key credentials unless the tool overrides it.
const DefaultAPIKeyHeader = "X-API-Key"

// AuthMethod is a closed set of credential injectors. Only types in this
// package implement it.
type AuthMethod interface {
	apply(h http.Header)
	Scheme() string
}

// NoAuth injects nothing.
type NoAuth struct{}

// APIKeyAuth sends the key in a custom header.
type APIKeyAuth struct {
	Header string
	Key    string
}

// BearerAuth sends "Authorization: Bearer <token>".
type BearerAuth struct {
	Token string
}

// BasicAuth sends "Authorization: Basic base64(user:pass)".
type BasicAuth struct {
	Username string
	Password string
}

func (NoAuth) apply(http.Header) {}
func (NoAuth) Scheme() string { return registry.AuthNone }

func (a APIKeyAuth) apply(h http.Header) {
	header := a.Header
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	h.Set(header, a.Key)
}
func (APIKeyAuth) Scheme() string { return registry.AuthAPIKey }

func (a BearerAuth) apply(h http.Header) {
	h.Set("Authorization", "Bearer "+a.Token)
}
func (BearerAuth) Scheme() string { return registry.AuthBearer }

func (a BasicAuth) apply(h http.Header) {
	creds := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	h.Set("Authorization", "Basic "+creds)
}
func (BasicAuth) Scheme() string { return registry.AuthBasic }

// AuthMethodFor resolves the tagged auth config on a tool into an AuthMethod.
func AuthMethodFor(cfg *registry.ToolConfig) (AuthMethod, error) {
	ac := cfg.AuthConfig
	switch cfg.AuthType {
	case "", registry.AuthNone:
		return NoAuth{}, nil
	case registry.AuthAPIKey:
		if ac.APIKey == "" {
			return nil, fmt.Errorf("AuthMethodFor: api_key auth without a key")
		}
		return APIKeyAuth{Header: ac.HeaderName, Key: ac.APIKey}, nil
	case registry.AuthBearer:
		if ac.Token == "" {
			return nil, fmt.Errorf("AuthMethodFor: bearer auth without a token")
		}
		return BearerAuth{Token: ac.Token}, nil
	case registry.AuthBasic:
		if ac.Username == "" || ac.Password == "" {
			return nil, fmt.Errorf("AuthMethodFor: basic auth without username and password")
		}
		return BasicAuth{Username: ac.Username, Password: ac.Password}, nil
	default:
		return nil, fmt.Errorf("AuthMethodFor: unknown auth type %q", cfg.AuthType)
	}
}
