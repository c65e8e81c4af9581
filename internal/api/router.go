// Package api serves the tenant-facing HTTP surface of the tool runner.
package api

import (
	"net/http"

	"github.com/triage-ai/palisade/services/tool_runner/internal/auth"
	"github.com/triage-ai/palisade/services/tool_runner/internal/dispatch"
	"github.com/triage-ai/palisade/services/tool_runner/internal/service"
	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Auth       auth.Authenticator
	Tools      *service.ToolService
	Dispatcher *dispatch.Dispatcher
	Exporter   *dispatch.SchemaExporter
	Reader     storage.ExecutionReader // nil if no execution store is readable
	Metrics    http.Handler            // nil disables GET /metrics
	Logger     *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Dispatch (orchestrator-facing)
	mux.HandleFunc("POST /v1/tools/{name}/execute", deps.authMiddleware(deps.handleExecute))
	mux.HandleFunc("GET /v1/tools/schema", deps.authMiddleware(deps.handleExportSchema))

	// Authoring
	mux.HandleFunc("POST /v1/tools/validate", deps.authMiddleware(deps.handleValidate))
	mux.HandleFunc("POST /v1/tools/probe", deps.authMiddleware(deps.handleProbe))
	mux.HandleFunc("POST /v1/tools", deps.authMiddleware(deps.handleCreateTool))
	mux.HandleFunc("GET /v1/tools", deps.authMiddleware(deps.handleListTools))
	mux.HandleFunc("GET /v1/tools/{name}", deps.authMiddleware(deps.handleGetTool))
	mux.HandleFunc("PUT /v1/tools/{name}", deps.authMiddleware(deps.handleUpdateTool))
	mux.HandleFunc("DELETE /v1/tools/{name}", deps.authMiddleware(deps.handleDeleteTool))

	// Execution log
	mux.HandleFunc("GET /v1/executions", deps.authMiddleware(deps.handleListExecutions))
	mux.HandleFunc("GET /v1/tools/{name}/stats", deps.authMiddleware(deps.handleToolStats))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
