package api

import (
	"net/http"

	"github.com/triage-ai/palisade/services/tool_runner/internal/dispatch"
	"go.uber.org/zap"
)

// handleExecute handles POST /v1/tools/{name}/execute. Dispatch failures are
// reported in the Result body with a 200; only malformed requests get a 400.
func (d *Dependencies) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	res := d.Dispatcher.Execute(r.Context(), dispatch.ExecuteRequest{
		TenantID:   tenantID(r),
		ToolName:   r.PathValue("name"),
		Parameters: req.Parameters,
		ExecutedBy: req.ExecutedBy,
	})
	writeJSON(w, http.StatusOK, res)
}

// handleExportSchema handles GET /v1/tools/schema.
func (d *Dependencies) handleExportSchema(w http.ResponseWriter, r *http.Request) {
	tools, err := d.Exporter.Export(r.Context(), tenantID(r))
	if err != nil {
		d.Logger.Error("failed to export schema", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to export tool schema."})
		return
	}
	writeJSON(w, http.StatusOK, SchemaResp{Tools: tools})
}
