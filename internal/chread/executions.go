// Package chread serves reporting queries over the tool_executions table.
package chread

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse tool_executions table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader wraps an open ClickHouse connection.
func NewReader(conn driver.Conn, logger *zap.Logger) *Reader {
	return &Reader{conn: conn, logger: logger}
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// whereClause renders the shared filters. Keep column names in sync with
// the INSERT in storage.ClickHouseWriter.
func whereClause(tenantID string, toolName *string, success *bool, start, end *time.Time) (string, []any) {
	conditions := []string{"tenant_id = @tenant_id"}
	args := []any{clickhouse.Named("tenant_id", tenantID)}

	if toolName != nil {
		conditions = append(conditions, "tool_name = @tool_name")
		args = append(args, clickhouse.Named("tool_name", *toolName))
	}
	if success != nil {
		var v uint8
		if *success {
			v = 1
		}
		conditions = append(conditions, "success = @success")
		args = append(args, clickhouse.Named("success", v))
	}
	if start != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *start))
	}
	if end != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *end))
	}
	return strings.Join(conditions, " AND "), args
}

// ListExecutions returns paginated, filtered execution records and the total count.
func (r *Reader) ListExecutions(ctx context.Context, params storage.ListExecutionsParams) ([]storage.ExecutionRecord, int, error) {
	where, args := whereClause(params.TenantID, params.ToolName, params.Success, params.StartTime, params.EndTime)

	page, size := params.Page, params.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM tool_executions WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListExecutions count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT execution_id, tenant_id, tool_id, tool_name, timestamp, "+
			"parameters_json, success, data_json, error, error_kind, "+
			"status_code, execution_time_ms, executed_by "+
			"FROM tool_executions WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(size)),
		clickhouse.Named("offset", uint32((page-1)*size)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListExecutions query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]storage.ExecutionRecord, 0)
	for rows.Next() {
		var rec storage.ExecutionRecord
		var success uint8
		if err := rows.Scan(
			&rec.ExecutionID, &rec.TenantID, &rec.ToolID, &rec.ToolName, &rec.Timestamp,
			&rec.ParametersJSON, &success, &rec.DataJSON, &rec.Error, &rec.ErrorKind,
			&rec.StatusCode, &rec.ExecutionTimeMs, &rec.ExecutedBy,
		); err != nil {
			return nil, 0, fmt.Errorf("ListExecutions scan: %w", err)
		}
		rec.Success = success == 1
		records = append(records, rec)
	}

	return records, int(total), rows.Err()
}

// ToolStats aggregates success/failure counts, mean latency and the last
// execution time for one tool.
func (r *Reader) ToolStats(ctx context.Context, params storage.ToolStatsParams) (*storage.ToolStats, error) {
	toolName := params.ToolName
	where, args := whereClause(params.TenantID, &toolName, nil, params.StartTime, params.EndTime)

	var total, successes, failures uint64
	var avgMs float64
	var last time.Time
	err := r.conn.QueryRow(ctx,
		"SELECT count() AS total, "+
			"countIf(success = 1) AS successes, "+
			"countIf(success = 0) AS failures, "+
			"avg(execution_time_ms) AS avg_ms, "+
			"max(timestamp) AS last_executed "+
			"FROM tool_executions WHERE "+where,
		args...,
	).Scan(&total, &successes, &failures, &avgMs, &last)
	if err != nil {
		return nil, fmt.Errorf("ToolStats: %w", err)
	}

	stats := &storage.ToolStats{
		ToolName:           params.ToolName,
		Total:              int(total),
		Successes:          int(successes),
		Failures:           int(failures),
		AvgExecutionTimeMs: safeFloat(avgMs),
	}
	if total > 0 && !last.IsZero() {
		stats.LastExecutedAt = &last
	}
	return stats, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for avg() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
