package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// AlgorithmHandler handles HTTP requests for the algorithm catalog.
type AlgorithmHandler struct {
	catalog interfaces.AlgorithmCatalog
	logger  arbor.ILogger
}

// NewAlgorithmHandler creates a new AlgorithmHandler.
func NewAlgorithmHandler(catalog interfaces.AlgorithmCatalog, logger arbor.ILogger) *AlgorithmHandler {
	return &AlgorithmHandler{
		catalog: catalog,
		logger:  logger,
	}
}

// CollectionHandler routes /algorithms: GET lists the catalog, POST saves a
// document. Saving an existing name overwrites it; runtimes keep the copy
// they were started with.
func (h *AlgorithmHandler) CollectionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listAlgorithms(w, r)
	case http.MethodPost:
		h.saveAlgorithm(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ItemHandler routes /algorithms/:name for GET and DELETE.
func (h *AlgorithmHandler) ItemHandler(w http.ResponseWriter, r *http.Request) {
	segments := PathTail(r.URL.Path, "/algorithms/")
	if len(segments) != 1 {
		WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
		return
	}
	name := segments[0]

	switch r.Method {
	case http.MethodGet:
		algorithm, err := h.catalog.Get(name)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		WriteSuccess(w, http.StatusOK, map[string]interface{}{"algorithm": algorithm})

	case http.MethodDelete:
		if err := h.catalog.Delete(r.Context(), name); err != nil {
			h.logger.Warn().Err(err).Str("algorithm", name).Msg("Algorithm delete rejected")
			WriteServiceError(w, err)
			return
		}
		WriteMessage(w, http.StatusOK, "algorithm deleted")

	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *AlgorithmHandler) listAlgorithms(w http.ResponseWriter, r *http.Request) {
	algorithms := h.catalog.GetAll()
	if algorithms == nil {
		algorithms = []*models.Algorithm{}
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"algorithms": algorithms,
		"count":      len(algorithms),
	})
}

func (h *AlgorithmHandler) saveAlgorithm(w http.ResponseWriter, r *http.Request) {
	var algorithm models.Algorithm
	if err := json.NewDecoder(r.Body).Decode(&algorithm); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.catalog.Save(r.Context(), &algorithm); err != nil {
		h.logger.Warn().Err(err).Str("algorithm", algorithm.Name).Msg("Algorithm save rejected")
		WriteServiceError(w, err)
		return
	}

	WriteSuccess(w, http.StatusCreated, map[string]interface{}{"algorithm": algorithm})
}
