// Package dispatch executes registered tools: it resolves the definition,
// gates it, sends the HTTP call under a deadline, shapes the response and
// records the outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_runner/internal/mapping"
	"github.com/triage-ai/palisade/services/tool_runner/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/request"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/security"
	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
	"go.uber.org/zap"
)

// MaxResponseBytes caps how much of an upstream body is read.
const MaxResponseBytes = 5 << 20

// OutcomeSucceeded labels successful dispatches in metrics; failures use their ErrorKind.
const OutcomeSucceeded = "succeeded"

// Metrics receives one observation per dispatch.
type Metrics interface {
	ObserveExecution(tenantID, toolName, outcome string, duration time.Duration)
	ObserveRateLimited(tenantID, toolName string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveExecution(string, string, string, time.Duration) {}
func (noopMetrics) ObserveRateLimited(string, string) {}

// ExecuteRequest is one call from the orchestrator.
type ExecuteRequest struct {
	TenantID   string
	ToolName   string
	Parameters map[string]any
	ExecutedBy string
}

// Result is returned for every dispatch. Failures are reported here, never as a Go error.
type Result struct {
	ExecutionID       string    `json:"execution_id"`
	Success           bool      `json:"success"`
	Data              any       `json:"data,omitempty"`
	Error             string    `json:"error,omitempty"`
	ErrorKind         ErrorKind `json:"error_kind,omitempty"`
	StatusCode        int       `json:"status_code"`
	ExecutionTimeMs   int64     `json:"execution_time_ms"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	Warnings          []string  `json:"warnings,omitempty"`
}

// Config holds the Dispatcher's collaborators.
type Config struct {
	Registry  registry.Finder
	Enforcer  *security.Enforcer
	Limiter   *ratelimit.Limiter
	Builder   *request.Builder
	Arguments *schema.ArgumentValidator
	Writer    storage.ExecutionWriter
	Metrics   Metrics

	// HTTPClient sends tool calls. Its own Timeout should be zero; deadlines come from the tool.
	// The Dispatcher uses a copy whose redirect policy re-applies the domain check.
	HTTPClient *http.Client
	// BaseURL resolves relative endpoints.
	BaseURL string
	// DefaultTimeoutMs applies to tools without a configured timeout.
	DefaultTimeoutMs int

	Logger *zap.Logger
}

// Dispatcher runs tool calls. It is safe for concurrent use.
type Dispatcher struct {
	registry         registry.Finder
	enforcer         *security.Enforcer
	limiter          *ratelimit.Limiter
	builder          *request.Builder
	arguments        *schema.ArgumentValidator
	writer           storage.ExecutionWriter
	metrics          Metrics
	client           *http.Client
	baseURL          string
	defaultTimeoutMs int
	now              func() time.Time
	logger           *zap.Logger
}

// NewDispatcher creates a Dispatcher. Registry, Enforcer, Limiter and Writer are required.
func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{
		registry:         cfg.Registry,
		enforcer:         cfg.Enforcer,
		limiter:          cfg.Limiter,
		builder:          cfg.Builder,
		arguments:        cfg.Arguments,
		writer:           cfg.Writer,
		metrics:          cfg.Metrics,
		client:           cfg.HTTPClient,
		baseURL:          cfg.BaseURL,
		defaultTimeoutMs: cfg.DefaultTimeoutMs,
		now:              time.Now,
		logger:           cfg.Logger,
	}
	if d.builder == nil {
		d.builder = request.NewBuilder("")
	}
	if d.arguments == nil {
		d.arguments = schema.NewArgumentValidator()
	}
	if d.metrics == nil {
		d.metrics = noopMetrics{}
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	d.client = d.withRedirectPolicy(d.client)
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

// attempt carries per-dispatch state into the log record.
type attempt struct {
	toolID string
	params map[string]any
}

// Execute runs one tool call end to end. Exactly one execution record is
// written for every call, whatever the outcome.
func (d *Dispatcher) Execute(ctx context.Context, req ExecuteRequest) *Result {
	start := d.now()
	executionID := uuid.New().String()
	logger := d.logger.With(
		zap.String("tenant_id", req.TenantID),
		zap.String("tool_name", req.ToolName),
		zap.String("execution_id", executionID),
	)

	at := &attempt{params: req.Parameters}
	res := d.run(ctx, req, at, logger)
	elapsed := d.now().Sub(start)
	res.ExecutionID = executionID
	res.ExecutionTimeMs = elapsed.Milliseconds()

	outcome := OutcomeSucceeded
	if !res.Success {
		outcome = string(res.ErrorKind)
		logger.Info("tool execution failed",
			zap.String("error_kind", outcome),
			zap.Int("status_code", res.StatusCode),
			zap.Duration("duration", elapsed),
			zap.String("error", res.Error),
		)
	} else {
		logger.Debug("tool execution succeeded",
			zap.Int("status_code", res.StatusCode),
			zap.Duration("duration", elapsed),
		)
	}
	d.metrics.ObserveExecution(req.TenantID, req.ToolName, outcome, elapsed)
	d.record(req, at, res, start)
	return res
}

func (d *Dispatcher) run(ctx context.Context, req ExecuteRequest, at *attempt, logger *zap.Logger) *Result {
	// Validating
	def, err := d.registry.FindTool(ctx, req.TenantID, req.ToolName)
	if err != nil {
		if ctxErr := contextFailure(ctx); ctxErr != nil {
			return failed(ctxErr)
		}
		return failed(newError(KindInternal, err, "tool lookup failed"))
	}
	if def == nil {
		return failed(newError(KindToolNotFound, nil, "tool %q not found", req.ToolName))
	}
	at.toolID = def.ID

	// PolicyChecking
	if err := d.enforcer.CheckDefinition(def); err != nil {
		return failed(newError(KindSecurityViolation, err, "%s", violationReason(err)))
	}
	params, stripped := d.stripForbidden(req.Parameters)
	at.params = params
	if len(stripped) > 0 {
		logger.Warn("stripped forbidden call arguments", zap.Strings("arguments", stripped))
	}
	if err := d.arguments.Validate(def, params); err != nil {
		return failed(newError(KindValidation, err, "%s", err.Error()))
	}

	// RateLimiting
	decision := d.limiter.Check(ctx, req.TenantID, req.ToolName, def.Security.RateLimit)
	if !decision.Allowed {
		d.metrics.ObserveRateLimited(req.TenantID, req.ToolName)
		e := newError(KindRateLimited, nil, "rate limit of %d requests per %s exceeded", decision.Limit, def.Security.RateLimit.Window)
		e.RetryAfterSeconds = decision.RetryAfterSeconds
		return failed(e)
	}

	// Building
	outbound, err := d.builder.Build(def, params)
	if err != nil {
		return failed(newError(KindInternal, err, "could not build request"))
	}

	// Sending
	timeoutMs := def.EffectiveTimeoutMs(d.defaultTimeoutMs)
	status, body, sendErr := d.send(ctx, outbound, def.Security.AllowedDomains, time.Duration(timeoutMs)*time.Millisecond)
	if sendErr != nil {
		return failed(sendErr)
	}

	// Mapping
	success := status >= 200 && status < 300
	data, mapErr := mapping.Map(def.ResponseMapping, body, success)
	var warnings []string
	if mapErr != nil {
		logger.Warn("response transform failed, using path mapping", zap.Error(mapErr))
		warnings = append(warnings, newError(KindMapping, mapErr, "transform expression failed").Error())
	}

	if !success {
		return &Result{
			Success:    false,
			Data:       data,
			Error:      fmt.Sprintf("upstream returned status %d", status),
			ErrorKind:  KindUpstream,
			StatusCode: status,
			Warnings:   warnings,
		}
	}

	if q, ok := mapping.QueryArgument(params); ok {
		data = mapping.Filter(data, q)
	}
	return &Result{
		Success:    true,
		Data:       data,
		StatusCode: status,
		Warnings:   warnings,
	}
}

// send issues the call under timeout and reads at most MaxResponseBytes.
// Any failure while the deadline or caller context is done is a Timeout.
// Redirects are checked against allowed like the original endpoint.
func (d *Dispatcher) send(ctx context.Context, outbound *request.Request, allowed []string, timeout time.Duration) (int, []byte, *Error) {
	if ctxErr := contextFailure(ctx); ctxErr != nil {
		return 0, nil, ctxErr
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := outbound.HTTPRequest(withAllowedDomains(sendCtx, allowed), d.baseURL)
	if err != nil {
		return 0, nil, newError(KindInternal, err, "could not prepare request")
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		var v *security.Violation
		if errors.As(err, &v) {
			return 0, nil, newError(KindSecurityViolation, err, "redirect rejected: %s", v.Reason)
		}
		if sendCtx.Err() != nil {
			return 0, nil, timeoutError(ctx, timeout)
		}
		return 0, nil, newError(KindUpstream, err, "request to tool endpoint failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		if sendCtx.Err() != nil {
			return 0, nil, timeoutError(ctx, timeout)
		}
		return 0, nil, newError(KindUpstream, err, "could not read tool response")
	}
	if len(body) > MaxResponseBytes {
		return 0, nil, newError(KindUpstream, nil, "tool response exceeds %d bytes", MaxResponseBytes)
	}
	return resp.StatusCode, body, nil
}

func timeoutError(parent context.Context, timeout time.Duration) *Error {
	if errors.Is(parent.Err(), context.Canceled) {
		return newError(KindTimeout, parent.Err(), "tool call cancelled by caller")
	}
	return newError(KindTimeout, context.DeadlineExceeded, "tool call timed out after %dms", timeout.Milliseconds())
}

func contextFailure(ctx context.Context) *Error {
	switch {
	case ctx.Err() == nil:
		return nil
	case errors.Is(ctx.Err(), context.Canceled):
		return newError(KindTimeout, ctx.Err(), "tool call cancelled by caller")
	default:
		return newError(KindTimeout, ctx.Err(), "caller deadline exceeded")
	}
}

// stripForbidden drops call arguments whose names contain a forbidden term.
func (d *Dispatcher) stripForbidden(params map[string]any) (map[string]any, []string) {
	var stripped []string
	forbidden := d.enforcer.Forbidden()
	for name := range params {
		if security.ForbiddenMatch(name, forbidden) != "" {
			stripped = append(stripped, name)
		}
	}
	if len(stripped) == 0 {
		return params, nil
	}
	sort.Strings(stripped)
	out := make(map[string]any, len(params)-len(stripped))
	for name, v := range params {
		if security.ForbiddenMatch(name, forbidden) == "" {
			out[name] = v
		}
	}
	return out, stripped
}

func violationReason(err error) string {
	var v *security.Violation
	if errors.As(err, &v) {
		return v.Reason
	}
	return err.Error()
}

func failed(e *Error) *Result {
	return &Result{
		Success:           false,
		Error:             e.Message,
		ErrorKind:         e.Kind,
		StatusCode:        e.StatusCode,
		RetryAfterSeconds: e.RetryAfterSeconds,
	}
}

func (d *Dispatcher) record(req ExecuteRequest, at *attempt, res *Result, start time.Time) {
	rec := &storage.ExecutionRecord{
		ExecutionID:     res.ExecutionID,
		ToolID:          at.toolID,
		ToolName:        req.ToolName,
		TenantID:        req.TenantID,
		ParametersJSON:  marshalOrEmpty(at.params),
		Success:         res.Success,
		Error:           res.Error,
		ErrorKind:       string(res.ErrorKind),
		StatusCode:      int32(res.StatusCode),
		ExecutionTimeMs: res.ExecutionTimeMs,
		ExecutedBy:      req.ExecutedBy,
		Timestamp:       start,
	}
	if res.Success {
		rec.DataJSON = marshalOrEmpty(res.Data)
	}
	d.writer.Write(rec)
}

func marshalOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
