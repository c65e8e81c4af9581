package dispatch

import (
	"context"
	"errors"
	"net/http"
)

const maxRedirects = 10

type allowedDomainsKey struct{}

func withAllowedDomains(ctx context.Context, allowed []string) context.Context {
	return context.WithValue(ctx, allowedDomainsKey{}, allowed)
}

func allowedDomainsFrom(ctx context.Context) []string {
	allowed, _ := ctx.Value(allowedDomainsKey{}).([]string)
	return allowed
}

// checkRedirect follows a hop only when it stays on the original host or
// passes the same domain check the first request did.
func (d *Dispatcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after too many redirects")
	}
	if req.URL.Host == via[0].URL.Host {
		return nil
	}
	return d.enforcer.CheckDomain(req.URL.String(), allowedDomainsFrom(req.Context()))
}

// withRedirectPolicy returns a copy of client that applies checkRedirect.
func (d *Dispatcher) withRedirectPolicy(client *http.Client) *http.Client {
	c := *client
	c.CheckRedirect = d.checkRedirect
	return &c
}
