package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
	"go.uber.org/zap"
)

const maxPageSize = 200

// handleListExecutions handles GET /v1/executions.
func (d *Dependencies) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Execution log not configured"})
		return
	}

	q := r.URL.Query()
	params := storage.ListExecutionsParams{
		TenantID: tenantID(r),
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 50),
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 50
	}
	if params.PageSize > maxPageSize {
		params.PageSize = maxPageSize
	}
	if v := q.Get("tool_name"); v != "" {
		params.ToolName = &v
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "success must be true or false"})
			return
		}
		params.Success = &b
	}
	params.StartTime, params.EndTime = queryTimeRange(q)

	records, total, err := d.Reader.ListExecutions(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list executions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list executions."})
		return
	}

	out := make([]ExecutionResp, len(records))
	for i, rec := range records {
		out[i] = executionResp(rec)
	}
	writeJSON(w, http.StatusOK, ExecutionListResp{
		Executions: out,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.PageSize,
	})
}

// handleToolStats handles GET /v1/tools/{name}/stats.
func (d *Dependencies) handleToolStats(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Execution log not configured"})
		return
	}

	params := storage.ToolStatsParams{
		TenantID: tenantID(r),
		ToolName: r.PathValue("name"),
	}
	params.StartTime, params.EndTime = queryTimeRange(r.URL.Query())

	stats, err := d.Reader.ToolStats(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to get tool stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get tool stats."})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Helpers ---

type queryGetter interface{ Get(string) string }

func queryTimeRange(q queryGetter) (start, end *time.Time) {
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = &t
		}
	}
	return start, end
}

func queryInt(q queryGetter, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
