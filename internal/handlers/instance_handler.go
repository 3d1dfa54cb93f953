package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// InstanceHandler handles HTTP requests for instance management.
type InstanceHandler struct {
	manager interfaces.InstanceManager
	logger  arbor.ILogger
}

// NewInstanceHandler creates a new InstanceHandler.
func NewInstanceHandler(manager interfaces.InstanceManager, logger arbor.ILogger) *InstanceHandler {
	return &InstanceHandler{
		manager: manager,
		logger:  logger,
	}
}

// CollectionHandler routes /instances: GET lists state snapshots, POST
// creates an instance.
func (h *InstanceHandler) CollectionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listInstances(w, r)
	case http.MethodPost:
		h.createInstance(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ItemHandler routes /instances/:id and its lifecycle and read sub-paths.
func (h *InstanceHandler) ItemHandler(w http.ResponseWriter, r *http.Request) {
	segments := PathTail(r.URL.Path, "/instances/")
	switch len(segments) {
	case 1:
		id := segments[0]
		switch r.Method {
		case http.MethodGet:
			h.getInstance(w, r, id)
		case http.MethodPut:
			h.updateInstance(w, r, id)
		case http.MethodDelete:
			h.deleteInstance(w, r, id)
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case 2:
		id, action := segments[0], segments[1]
		switch r.Method {
		case http.MethodPost:
			h.lifecycleAction(w, r, id, action)
		case http.MethodGet:
			h.readAction(w, r, id, action)
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	}
}

func (h *InstanceHandler) listInstances(w http.ResponseWriter, r *http.Request) {
	states := h.manager.GetAllInstanceStates()
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"instances": states,
		"count":     len(states),
	})
}

func (h *InstanceHandler) createInstance(w http.ResponseWriter, r *http.Request) {
	var config models.InstanceConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	state, err := h.manager.CreateInstance(r.Context(), config, true)
	if err != nil {
		h.logger.Warn().Err(err).Str("name", config.Name).Msg("Instance create rejected")
		WriteServiceError(w, err)
		return
	}

	WriteSuccess(w, http.StatusCreated, map[string]interface{}{"instance": state})
}

func (h *InstanceHandler) getInstance(w http.ResponseWriter, r *http.Request, id string) {
	state, err := h.manager.GetInstanceState(id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{"instance": state})
}

func (h *InstanceHandler) updateInstance(w http.ResponseWriter, r *http.Request, id string) {
	var patch models.InstanceConfig
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	state, err := h.manager.UpdateInstance(r.Context(), id, patch)
	if err != nil {
		h.logger.Warn().Err(err).Str("instance_id", id).Msg("Instance update rejected")
		WriteServiceError(w, err)
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{"instance": state})
}

func (h *InstanceHandler) deleteInstance(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.manager.DeleteInstance(r.Context(), id); err != nil {
		h.logger.Warn().Err(err).Str("instance_id", id).Msg("Instance delete rejected")
		WriteServiceError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "instance deleted")
}

// lifecycleAction dispatches POST /instances/:id/{start,stop,pause,resume}.
func (h *InstanceHandler) lifecycleAction(w http.ResponseWriter, r *http.Request, id, action string) {
	var err error
	switch action {
	case "start":
		err = h.manager.StartInstance(r.Context(), id)
	case "stop":
		err = h.manager.StopInstance(r.Context(), id)
	case "pause":
		err = h.manager.PauseInstance(r.Context(), id)
	case "resume":
		err = h.manager.ResumeInstance(r.Context(), id)
	default:
		WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
		return
	}

	if err != nil {
		h.logger.Warn().Err(err).Str("instance_id", id).Str("action", action).Msg("Instance transition rejected")
		WriteServiceError(w, err)
		return
	}

	WriteMessage(w, http.StatusOK, "instance "+action+" accepted")
}

// readAction dispatches GET /instances/:id/{state,chart-data,logs,trades}.
func (h *InstanceHandler) readAction(w http.ResponseWriter, r *http.Request, id, action string) {
	switch action {
	case "state":
		state, err := h.manager.GetInstanceState(id)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteSuccess(w, http.StatusOK, map[string]interface{}{"state": state})

	case "chart-data":
		chart, err := h.manager.GetChartData(id)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteSuccess(w, http.StatusOK, map[string]interface{}{"chartData": chart})

	case "logs":
		logs, err := h.manager.GetLogs(id)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		if logs == nil {
			logs = []models.InstanceLogEntry{}
		}
		WriteSuccess(w, http.StatusOK, map[string]interface{}{
			"logs":  logs,
			"count": len(logs),
		})

	case "trades":
		trades, err := h.manager.GetTrades(id)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		if trades == nil {
			trades = []models.Trade{}
		}
		WriteSuccess(w, http.StatusOK, map[string]interface{}{
			"trades": trades,
			"count":  len(trades),
		})

	default:
		WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	}
}
