// Package request turns a tool definition plus call arguments into an
// outbound HTTP request.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
)

// DefaultUserAgent identifies this service to upstream APIs.
const DefaultUserAgent = "palisade-tool-runner/1.0"

// Request is a fully formed outbound call. URL stays relative for relative
// endpoints; ResolveURL joins it with a base.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Builder constructs Requests.
type Builder struct {
	userAgent string
}

// NewBuilder creates a Builder. An empty userAgent uses DefaultUserAgent.
func NewBuilder(userAgent string) *Builder {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Builder{userAgent: userAgent}
}

func (b *Builder) UserAgent() string { return b.userAgent }

// Build serializes params into the query string (GET, DELETE) or a JSON body
// (POST, PUT), then layers headers: tool headers, content type and client
// identifier, then auth.
func (b *Builder) Build(def *registry.ToolDefinition, params map[string]any) (*Request, error) {
	cfg := def.Config
	if cfg == nil {
		return nil, fmt.Errorf("Build: tool %q has no config", def.Name)
	}
	auth, err := AuthMethodFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = registry.MethodGet
	}
	req := &Request{Method: method, URL: cfg.Endpoint, Headers: make(http.Header)}

	switch method {
	case registry.MethodGet, registry.MethodDelete:
		if len(params) > 0 {
			u, err := appendQuery(cfg.Endpoint, params)
			if err != nil {
				return nil, fmt.Errorf("Build: %w", err)
			}
			req.URL = u
		}
	default:
		if params == nil {
			params = map[string]any{}
		}
		body, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("Build: encode body: %w", err)
		}
		req.Body = body
	}

	for k, v := range cfg.Headers {
		req.Headers.Set(k, v)
	}
	req.Headers.Set("Content-Type", "application/json")
	req.Headers.Set("Accept", "application/json")
	req.Headers.Set("User-Agent", b.userAgent)
	auth.apply(req.Headers)

	return req, nil
}

// ResolveURL joins a relative URL with base. Absolute URLs are returned as is.
func (r *Request) ResolveURL(base string) (string, error) {
	if !strings.HasPrefix(r.URL, "/") {
		return r.URL, nil
	}
	if base == "" {
		return "", fmt.Errorf("ResolveURL: relative endpoint %q without a base URL", r.URL)
	}
	return strings.TrimSuffix(base, "/") + r.URL, nil
}

// HTTPRequest materializes the request bound to ctx.
func (r *Request) HTTPRequest(ctx context.Context, base string) (*http.Request, error) {
	target, err := r.ResolveURL(base)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPRequest: %w", err)
	}
	httpReq.Header = r.Headers.Clone()
	return httpReq, nil
}

func appendQuery(endpoint string, params map[string]any) (string, error) {
	path, rawQuery, _ := strings.Cut(endpoint, "?")
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("appendQuery: %w", err)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case []any:
			for _, item := range v {
				values.Add(k, queryValue(item))
			}
		case []string:
			for _, item := range v {
				values.Add(k, item)
			}
		default:
			values.Set(k, queryValue(v))
		}
	}
	if len(values) == 0 {
		return path, nil
	}
	return path + "?" + values.Encode(), nil
}

func queryValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
