package api

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/dispatch"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
)

// ErrorResp is the standard error response format.
type ErrorResp struct {
	Detail string   `json:"detail"`
	Errors []string `json:"errors,omitempty"`
}

// --- Dispatch ---

// ExecuteReq is the JSON body for POST /v1/tools/{name}/execute.
type ExecuteReq struct {
	Parameters map[string]any `json:"parameters"`
	ExecutedBy string         `json:"executed_by,omitempty"`
}

// SchemaResp is the body of GET /v1/tools/schema.
type SchemaResp struct {
	Tools []dispatch.FunctionSchema `json:"tools"`
}

// --- Authoring ---

// ValidateResp is the body of POST /v1/tools/validate.
type ValidateResp struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

// ProbeReq is the JSON body for POST /v1/tools/probe.
type ProbeReq struct {
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

// ToolListResp is the body of GET /v1/tools.
type ToolListResp struct {
	Tools []*registry.ToolDefinition `json:"tools"`
	Total int                        `json:"total"`
}

// --- Execution log ---

// ExecutionResp is one execution record as returned by the API.
type ExecutionResp struct {
	ExecutionID     string          `json:"execution_id"`
	ToolID          string          `json:"tool_id"`
	ToolName        string          `json:"tool_name"`
	Parameters      json.RawMessage `json:"parameters"`
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	StatusCode      int32           `json:"status_code"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	ExecutedBy      string          `json:"executed_by,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// ExecutionListResp is the paginated body of GET /v1/executions.
type ExecutionListResp struct {
	Executions []ExecutionResp `json:"executions"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
}

func executionResp(rec storage.ExecutionRecord) ExecutionResp {
	resp := ExecutionResp{
		ExecutionID:     rec.ExecutionID,
		ToolID:          rec.ToolID,
		ToolName:        rec.ToolName,
		Parameters:      rawOrNull(rec.ParametersJSON),
		Success:         rec.Success,
		Error:           rec.Error,
		ErrorKind:       rec.ErrorKind,
		StatusCode:      rec.StatusCode,
		ExecutionTimeMs: rec.ExecutionTimeMs,
		ExecutedBy:      rec.ExecutedBy,
		Timestamp:       rec.Timestamp,
	}
	if rec.DataJSON != "" {
		resp.Data = rawOrNull(rec.DataJSON)
	}
	return resp
}

func rawOrNull(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

const redacted = "********"

// redactTool hides stored credentials before a definition leaves the service.
func redactTool(td *registry.ToolDefinition) *registry.ToolDefinition {
	if td == nil || td.Config == nil {
		return td
	}
	out := td.Clone()
	ac := &out.Config.AuthConfig
	for _, secret := range []*string{&ac.APIKey, &ac.Token, &ac.Password} {
		if *secret != "" {
			*secret = redacted
		}
	}
	return out
}
