package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/services/status"
)

// APIHandler serves the process-level endpoints: health, version and the
// JSON 404 fallback.
type APIHandler struct {
	status *status.Service
	logger arbor.ILogger
}

// NewAPIHandler creates the process-level endpoint handler.
func NewAPIHandler(statusService *status.Service, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		status: statusService,
		logger: logger,
	}
}

// HealthHandler handles GET /health. The payload shape is fixed for
// monitoring probes and is not wrapped in the success envelope.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.status.Health())
}

// VersionHandler handles GET /version.
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"version":   common.GetVersion(),
		"build":     common.GetBuild(),
		"gitCommit": common.GetGitCommit(),
	})
}

// NotFoundHandler answers unmatched paths with a JSON 404.
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
}
