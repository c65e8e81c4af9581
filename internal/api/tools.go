package api

import (
	"errors"
	"net/http"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/service"
	"go.uber.org/zap"
)

// ProfileOpenAI selects the function-calling compatibility checks on validate.
const ProfileOpenAI = "openai_compatible"

// handleValidate handles POST /v1/tools/validate. Nothing is persisted.
func (d *Dependencies) handleValidate(w http.ResponseWriter, r *http.Request) {
	var def registry.ToolDefinition
	if err := readJSON(r, &def); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	def.TenantID = tenantID(r)

	res := d.Tools.Validate(&def, r.URL.Query().Get("profile") == ProfileOpenAI)
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, http.StatusOK, ValidateResp{IsValid: res.IsValid, Errors: errs})
}

// handleProbe handles POST /v1/tools/probe.
func (d *Dependencies) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req ProbeReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "endpoint is required"})
		return
	}
	writeJSON(w, http.StatusOK, d.Dispatcher.ProbeEndpoint(r.Context(), req.Endpoint, req.Method, req.TimeoutMs))
}

// handleCreateTool handles POST /v1/tools.
func (d *Dependencies) handleCreateTool(w http.ResponseWriter, r *http.Request) {
	var def registry.ToolDefinition
	if err := readJSON(r, &def); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	def.ID = ""
	def.TenantID = tenantID(r)

	created, err := d.Tools.Register(r.Context(), &def)
	if err != nil {
		d.writeToolError(w, err, "failed to register tool")
		return
	}
	writeJSON(w, http.StatusCreated, redactTool(created))
}

// handleListTools handles GET /v1/tools.
func (d *Dependencies) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := d.Tools.List(r.Context(), tenantID(r))
	if err != nil {
		d.Logger.Error("failed to list tools", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list tools."})
		return
	}
	out := make([]*registry.ToolDefinition, 0, len(tools))
	for _, td := range tools {
		out = append(out, redactTool(td))
	}
	writeJSON(w, http.StatusOK, ToolListResp{Tools: out, Total: len(out)})
}

// handleGetTool handles GET /v1/tools/{name}.
func (d *Dependencies) handleGetTool(w http.ResponseWriter, r *http.Request) {
	td, err := d.Tools.Get(r.Context(), tenantID(r), r.PathValue("name"))
	if err != nil {
		d.writeToolError(w, err, "failed to get tool")
		return
	}
	writeJSON(w, http.StatusOK, redactTool(td))
}

// handleUpdateTool handles PUT /v1/tools/{name}. Redacted secrets sent back
// unchanged keep their stored values.
func (d *Dependencies) handleUpdateTool(w http.ResponseWriter, r *http.Request) {
	var def registry.ToolDefinition
	if err := readJSON(r, &def); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	def.TenantID = tenantID(r)
	def.Name = r.PathValue("name")

	existing, err := d.Tools.Get(r.Context(), def.TenantID, def.Name)
	if err != nil {
		d.writeToolError(w, err, "failed to get tool")
		return
	}
	restoreSecrets(&def, existing)

	updated, err := d.Tools.Update(r.Context(), &def)
	if err != nil {
		d.writeToolError(w, err, "failed to update tool")
		return
	}
	writeJSON(w, http.StatusOK, redactTool(updated))
}

// handleDeleteTool handles DELETE /v1/tools/{name}. The tool is deactivated, not removed.
func (d *Dependencies) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if err := d.Tools.Deactivate(r.Context(), tenantID(r), r.PathValue("name")); err != nil {
		d.writeToolError(w, err, "failed to deactivate tool")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) writeToolError(w http.ResponseWriter, err error, msg string) {
	if ve, ok := service.IsValidation(err); ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid tool definition", Errors: ve.Errors})
		return
	}
	switch {
	case errors.Is(err, registry.ErrToolNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Tool not found."})
	case errors.Is(err, registry.ErrToolExists):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "A tool with this name already exists."})
	default:
		d.Logger.Error(msg, zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal error."})
	}
}

func restoreSecrets(def, existing *registry.ToolDefinition) {
	if def.Config == nil || existing.Config == nil {
		return
	}
	in, stored := &def.Config.AuthConfig, existing.Config.AuthConfig
	if in.APIKey == redacted {
		in.APIKey = stored.APIKey
	}
	if in.Token == redacted {
		in.Token = stored.Token
	}
	if in.Password == redacted {
		in.Password = stored.Password
	}
}
