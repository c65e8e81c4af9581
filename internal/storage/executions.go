// Package storage persists tool execution records. Writes never block dispatch.
package storage

import (
	"context"
	"time"
)

// ExecutionWriter is the append-only sink for execution records.
// Write() must NEVER block the caller.
type ExecutionWriter interface {
	Write(record *ExecutionRecord)
	Close()
}

// ExecutionReader answers reporting queries over written records.
type ExecutionReader interface {
	ListExecutions(ctx context.Context, params ListExecutionsParams) ([]ExecutionRecord, int, error)
	ToolStats(ctx context.Context, params ToolStatsParams) (*ToolStats, error)
}

// ExecutionRecord is one dispatch attempt, successful or not.
type ExecutionRecord struct {
	ExecutionID     string
	ToolID          string
	ToolName        string
	TenantID        string
	ParametersJSON  string
	Success         bool
	DataJSON        string // mapped response data, empty on failure
	Error           string
	ErrorKind       string
	StatusCode      int32
	ExecutionTimeMs int64
	ExecutedBy      string
	Timestamp       time.Time
}

// ListExecutionsParams holds filters and pagination for record listing.
type ListExecutionsParams struct {
	TenantID  string
	ToolName  *string
	Success   *bool
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// ToolStatsParams selects the records aggregated by ToolStats.
type ToolStatsParams struct {
	TenantID  string
	ToolName  string
	StartTime *time.Time
	EndTime   *time.Time
}

// ToolStats aggregates executions of one tool.
type ToolStats struct {
	ToolName           string     `json:"tool_name"`
	Total              int        `json:"total"`
	Successes          int        `json:"successes"`
	Failures           int        `json:"failures"`
	AvgExecutionTimeMs float64    `json:"avg_execution_time_ms"`
	LastExecutedAt     *time.Time `json:"last_executed_at"`
}
