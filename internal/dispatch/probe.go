package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/request"
	"github.com/triage-ai/palisade/services/tool_runner/internal/security"
)

// ProbeResult reports whether an endpoint answered. Any response below 500
// counts as reachable.
type ProbeResult struct {
	IsValid   bool   `json:"is_valid"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// ProbeEndpoint sends one bare request to endpoint. The global domain
// allow-list applies to the endpoint and to every redirect hop, so authoring
// tools cannot probe arbitrary hosts.
func (d *Dispatcher) ProbeEndpoint(ctx context.Context, endpoint, method string, timeoutMs int) ProbeResult {
	if err := d.enforcer.CheckDomain(endpoint, nil); err != nil {
		return ProbeResult{Error: violationReason(err)}
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = registry.MethodGet
	}
	if timeoutMs <= 0 {
		timeoutMs = registry.DefaultTimeoutMs
	}

	outbound := &request.Request{Method: method, URL: endpoint, Headers: make(http.Header)}
	outbound.Headers.Set("Accept", "application/json")
	outbound.Headers.Set("User-Agent", d.builder.UserAgent())

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	start := d.now()
	httpReq, err := outbound.HTTPRequest(probeCtx, d.baseURL)
	if err != nil {
		return ProbeResult{Error: err.Error()}
	}
	resp, err := d.client.Do(httpReq)
	latency := d.now().Sub(start).Milliseconds()
	if err != nil {
		var v *security.Violation
		if errors.As(err, &v) {
			return ProbeResult{Error: "redirect rejected: " + v.Reason, LatencyMs: latency}
		}
		if probeCtx.Err() != nil {
			return ProbeResult{Error: "endpoint did not respond in time", LatencyMs: latency}
		}
		return ProbeResult{Error: err.Error(), LatencyMs: latency}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return ProbeResult{
		IsValid:   resp.StatusCode < http.StatusInternalServerError,
		Status:    resp.StatusCode,
		LatencyMs: latency,
	}
}
