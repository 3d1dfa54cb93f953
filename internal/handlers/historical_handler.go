package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// HistoricalHandler handles HTTP requests for the cached bar day files.
type HistoricalHandler struct {
	storage interfaces.HistoricalStorage
	logger  arbor.ILogger
}

// NewHistoricalHandler creates a new HistoricalHandler.
func NewHistoricalHandler(storage interfaces.HistoricalStorage, logger arbor.ILogger) *HistoricalHandler {
	return &HistoricalHandler{
		storage: storage,
		logger:  logger,
	}
}

// storeDayRequest is the POST /historical/:symbol payload: one UTC day of
// ascending minute bars.
type storeDayRequest struct {
	Date string       `json:"date" validate:"required"`
	Bars []models.Bar `json:"bars" validate:"required,min=1"`
}

// SymbolHandler routes /historical/:symbol.
//
//	GET    ?startDate=YYYY-MM-DD&endDate=YYYY-MM-DD  read cached bars
//	POST   {date, bars}                              store one day file
//	DELETE ?date=YYYY-MM-DD                          delete one day, or the
//	                                                 whole symbol without date
func (h *HistoricalHandler) SymbolHandler(w http.ResponseWriter, r *http.Request) {
	segments := PathTail(r.URL.Path, "/historical/")
	if len(segments) != 1 {
		WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
		return
	}
	symbol := segments[0]

	switch r.Method {
	case http.MethodGet:
		h.getRange(w, r, symbol)
	case http.MethodPost:
		h.storeDay(w, r, symbol)
	case http.MethodDelete:
		h.deleteBars(w, r, symbol)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *HistoricalHandler) getRange(w http.ResponseWriter, r *http.Request, symbol string) {
	startDate := r.URL.Query().Get("startDate")
	if startDate == "" {
		WriteError(w, http.StatusBadRequest, "startDate query parameter is required")
		return
	}
	endDate := r.URL.Query().Get("endDate")
	if endDate == "" {
		endDate = startDate
	}

	start, err := parseDate(startDate)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	endDay, err := parseDate(endDate)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if endDay.Before(start) {
		WriteError(w, http.StatusBadRequest, "endDate is before startDate")
		return
	}

	// Bars are minute-aligned, so the last bar of the end day is 23:59.
	end := endDay.Add(24*time.Hour - time.Minute)

	bars, err := h.storage.GetRange(r.Context(), symbol, start, end)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if bars == nil {
		bars = []models.Bar{}
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"startDate": startDate,
		"endDate":   endDate,
		"bars":      bars,
		"count":     len(bars),
	})
}

func (h *HistoricalHandler) storeDay(w http.ResponseWriter, r *http.Request, symbol string) {
	var req storeDayRequest
	if err := DecodeBody(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}

	day, err := parseDate(req.Date)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	if err := h.storage.StoreDay(r.Context(), symbol, day, req.Bars); err != nil {
		h.logger.Warn().Err(err).Str("symbol", symbol).Str("date", req.Date).Msg("Historical store rejected")
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().Str("symbol", symbol).Str("date", req.Date).Int("bars", len(req.Bars)).Msg("Stored historical day")
	WriteSuccess(w, http.StatusCreated, map[string]interface{}{
		"symbol": symbol,
		"date":   req.Date,
		"count":  len(req.Bars),
	})
}

func (h *HistoricalHandler) deleteBars(w http.ResponseWriter, r *http.Request, symbol string) {
	date := r.URL.Query().Get("date")

	if date == "" {
		if err := h.storage.DeleteSymbol(r.Context(), symbol); err != nil {
			WriteServiceError(w, err)
			return
		}
		h.logger.Info().Str("symbol", symbol).Msg("Deleted all historical days for symbol")
		WriteMessage(w, http.StatusOK, "historical data deleted")
		return
	}

	day, err := parseDate(date)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if err := h.storage.DeleteDay(r.Context(), symbol, day); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "historical day deleted")
}

// parseDate parses a YYYY-MM-DD value as a UTC day.
func parseDate(value string) (time.Time, error) {
	day, err := time.ParseInLocation(models.DateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, common.ValidationError("invalid date %q, expected YYYY-MM-DD", value)
	}
	return day, nil
}
