package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// BacktestHandler handles HTTP requests for backtest definitions and runs.
type BacktestHandler struct {
	backtests interfaces.BacktestService
	logger    arbor.ILogger
}

// NewBacktestHandler creates a new BacktestHandler.
func NewBacktestHandler(backtests interfaces.BacktestService, logger arbor.ILogger) *BacktestHandler {
	return &BacktestHandler{
		backtests: backtests,
		logger:    logger,
	}
}

// CollectionHandler routes /backtests: GET lists definitions, POST creates
// one.
func (h *BacktestHandler) CollectionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listDefinitions(w, r)
	case http.MethodPost:
		h.createDefinition(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ItemHandler routes the /backtests/ subtree. The literal "runs" segment is
// reserved and never treated as a definition ID.
func (h *BacktestHandler) ItemHandler(w http.ResponseWriter, r *http.Request) {
	segments := PathTail(r.URL.Path, "/backtests/")

	if len(segments) > 0 && segments[0] == "runs" {
		h.routeRuns(w, r, segments[1:])
		return
	}

	switch len(segments) {
	case 1:
		h.routeDefinition(w, r, segments[0])
	case 2:
		h.routeDefinitionAction(w, r, segments[0], segments[1])
	default:
		WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	}
}

func (h *BacktestHandler) routeDefinition(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		def, err := h.backtests.GetDefinition(r.Context(), id)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteSuccess(w, http.StatusOK, map[string]interface{}{"backtest": def})

	case http.MethodPut:
		var def models.BacktestDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		updated, err := h.backtests.UpdateDefinition(r.Context(), id, &def)
		if err != nil {
			h.logger.Warn().Err(err).Str("backtest_id", id).Msg("Backtest update rejected")
			WriteServiceError(w, err)
			return
		}
		WriteSuccess(w, http.StatusOK, map[string]interface{}{"backtest": updated})

	case http.MethodDelete:
		if err := h.backtests.DeleteDefinition(r.Context(), id); err != nil {
			h.logger.Warn().Err(err).Str("backtest_id", id).Msg("Backtest delete rejected")
			WriteServiceError(w, err)
			return
		}
		WriteMessage(w, http.StatusOK, "backtest deleted")

	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// routeDefinitionAction dispatches /backtests/:id/{run,stop,status}.
func (h *BacktestHandler) routeDefinitionAction(w http.ResponseWriter, r *http.Request, id, action string) {
	switch action {
	case "run":
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		run, err := h.backtests.Run(r.Context(), id)
		if err != nil {
			h.logger.Warn().Err(err).Str("backtest_id", id).Msg("Backtest run rejected")
			WriteServiceError(w, err)
			return
		}
		WriteSuccess(w, http.StatusAccepted, map[string]interface{}{"run": run})

	case "stop":
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		if err := h.backtests.Stop(r.Context(), id); err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteMessage(w, http.StatusOK, "backtest stop requested")

	case "status":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		run, err := h.backtests.Status(r.Context(), id)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteSuccess(w, http.StatusOK, map[string]interface{}{"run": run})

	default:
		WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	}
}

// routeRuns dispatches /backtests/runs and /backtests/runs/:runId.
func (h *BacktestHandler) routeRuns(w http.ResponseWriter, r *http.Request, segments []string) {
	switch len(segments) {
	case 0:
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		runs, err := h.backtests.Runs(r.Context())
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		if runs == nil {
			runs = []*models.BacktestInstance{}
		}
		WriteSuccess(w, http.StatusOK, map[string]interface{}{
			"runs":  runs,
			"count": len(runs),
		})

	case 1:
		runID := segments[0]
		switch r.Method {
		case http.MethodGet:
			run, err := h.backtests.GetRun(r.Context(), runID)
			if err != nil {
				WriteServiceError(w, err)
				return
			}
			WriteSuccess(w, http.StatusOK, map[string]interface{}{"run": run})

		case http.MethodDelete:
			if err := h.backtests.DeleteRun(r.Context(), runID); err != nil {
				h.logger.Warn().Err(err).Str("run_id", runID).Msg("Backtest run delete rejected")
				WriteServiceError(w, err)
				return
			}
			WriteMessage(w, http.StatusOK, "backtest run deleted")

		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	default:
		WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	}
}

func (h *BacktestHandler) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.backtests.GetAllDefinitions(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if defs == nil {
		defs = []*models.BacktestDefinition{}
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"backtests": defs,
		"count":     len(defs),
	})
}

func (h *BacktestHandler) createDefinition(w http.ResponseWriter, r *http.Request) {
	var def models.BacktestDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	created, err := h.backtests.CreateDefinition(r.Context(), &def)
	if err != nil {
		h.logger.Warn().Err(err).Str("name", def.Name).Msg("Backtest create rejected")
		WriteServiceError(w, err)
		return
	}

	WriteSuccess(w, http.StatusCreated, map[string]interface{}{"backtest": created})
}
