package handlers

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
	"github.com/ternarybob/mercator/internal/services/status"
)

// TradingHandler exposes broker diagnostics: connectivity checks, account
// and contract lookup, raw historical fetches and manual stream holds.
type TradingHandler struct {
	market interfaces.MarketDataService
	status *status.Service
	logger arbor.ILogger

	// Streams held open by subscribe-market-data, keyed by contract ID.
	mu      sync.Mutex
	streams map[string]*heldStream
}

// heldStream is one diagnostic subscription. It only counts ticks; the data
// itself is discarded.
type heldStream struct {
	handle interfaces.StreamHandle
	ticks  atomic.Int64
}

// NewTradingHandler creates a new TradingHandler.
func NewTradingHandler(market interfaces.MarketDataService, statusService *status.Service, logger arbor.ILogger) *TradingHandler {
	return &TradingHandler{
		market:  market,
		status:  statusService,
		logger:  logger,
		streams: make(map[string]*heldStream),
	}
}

// contractRequest is the subscribe/unsubscribe-market-data payload.
type contractRequest struct {
	ContractID string `json:"contractId" validate:"required"`
}

// ActionHandler routes the /trading/ subtree.
func (h *TradingHandler) ActionHandler(w http.ResponseWriter, r *http.Request) {
	segments := PathTail(r.URL.Path, "/trading/")
	if len(segments) != 1 {
		WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
		return
	}

	switch segments[0] {
	case "test-connection":
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		h.testConnection(w, r)
	case "subscribe-market-data":
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		h.subscribeMarketData(w, r)
	case "unsubscribe-market-data":
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		h.unsubscribeMarketData(w, r)
	case "accounts":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.accounts(w, r)
	case "contracts":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.contracts(w, r)
	case "historical-data":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.historicalData(w, r)
	case "status":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.brokerStatus(w, r)
	case "server-status":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.serverStatus(w, r)
	default:
		WriteError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	}
}

func (h *TradingHandler) testConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.market.TestConnection(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Broker connection test failed")
		WriteServiceError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "broker connection ok")
}

// subscribeMarketData opens a diagnostic stream hold on a contract. The
// hold keeps the upstream broker stream alive and counts ticks, so stream
// plumbing can be verified without starting an instance.
func (h *TradingHandler) subscribeMarketData(w http.ResponseWriter, r *http.Request) {
	var req contractRequest
	if err := DecodeBody(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}

	stream := &heldStream{}
	handle, err := h.market.Subscribe(r.Context(), req.ContractID, func(trades []models.TradeTick) {
		stream.ticks.Add(int64(len(trades)))
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("contract_id", req.ContractID).Msg("Market-data subscribe failed")
		WriteServiceError(w, err)
		return
	}
	stream.handle = handle

	h.mu.Lock()
	if _, exists := h.streams[req.ContractID]; exists {
		h.mu.Unlock()
		handle.Unsubscribe()
		WriteServiceError(w, common.ConflictError("already subscribed to contract %q", req.ContractID))
		return
	}
	h.streams[req.ContractID] = stream
	h.mu.Unlock()

	h.logger.Info().Str("contract_id", req.ContractID).Msg("Held market-data stream opened")
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"contractId":    req.ContractID,
		"activeStreams": h.market.ActiveStreamCount(),
	})
}

func (h *TradingHandler) unsubscribeMarketData(w http.ResponseWriter, r *http.Request) {
	var req contractRequest
	if err := DecodeBody(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}

	h.mu.Lock()
	stream, exists := h.streams[req.ContractID]
	delete(h.streams, req.ContractID)
	h.mu.Unlock()

	if !exists {
		WriteServiceError(w, common.NotFoundError("no held stream for contract %q", req.ContractID))
		return
	}
	if err := stream.handle.Unsubscribe(); err != nil {
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().Str("contract_id", req.ContractID).Int64("ticks", stream.ticks.Load()).Msg("Held market-data stream closed")
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"contractId": req.ContractID,
		"ticks":      stream.ticks.Load(),
	})
}

func (h *TradingHandler) accounts(w http.ResponseWriter, r *http.Request) {
	onlyActive := true
	if v := r.URL.Query().Get("onlyActive"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid onlyActive value")
			return
		}
		onlyActive = parsed
	}

	accounts, err := h.market.Accounts(r.Context(), onlyActive)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

func (h *TradingHandler) contracts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		WriteError(w, http.StatusBadRequest, "query parameter is required")
		return
	}
	live := false
	if v := r.URL.Query().Get("live"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid live value")
			return
		}
		live = parsed
	}

	contracts, err := h.market.Contracts(r.Context(), query, live)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if contracts == nil {
		contracts = []models.Contract{}
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"contracts": contracts,
		"count":     len(contracts),
	})
}

// historicalData fetches bars through the cache-backed market-data path.
// contractId is optional; without it the symbol resolves to the first
// matching contract.
func (h *TradingHandler) historicalData(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	symbol := query.Get("symbol")
	if symbol == "" {
		WriteError(w, http.StatusBadRequest, "symbol parameter is required")
		return
	}
	startDate := query.Get("startDate")
	if startDate == "" {
		WriteError(w, http.StatusBadRequest, "startDate parameter is required")
		return
	}
	endDate := query.Get("endDate")
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

	contractID := query.Get("contractId")
	if contractID == "" {
		contracts, err := h.market.Contracts(r.Context(), symbol, false)
		if err != nil {
			WriteServiceError(w, err)
			return
		}
		if len(contracts) == 0 {
			WriteServiceError(w, common.NotFoundError("no contract matches symbol %q", symbol))
			return
		}
		contractID = contracts[0].ID
	}

	bars, err := h.market.GetBars(r.Context(), symbol, contractID, start, endDay.AddDate(0, 0, 1))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if bars == nil {
		bars = []models.Bar{}
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"symbol":     symbol,
		"contractId": contractID,
		"bars":       bars,
		"count":      len(bars),
	})
}

func (h *TradingHandler) brokerStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"connected":     h.market.Connected(),
		"activeStreams": h.market.ActiveStreamCount(),
	})
}

func (h *TradingHandler) serverStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"server": h.status.ServerStatus(),
	})
}

// Close releases every held diagnostic stream.
func (h *TradingHandler) Close() error {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[string]*heldStream)
	h.mu.Unlock()

	for contractID, stream := range streams {
		if err := stream.handle.Unsubscribe(); err != nil {
			h.logger.Warn().Err(err).Str("contract_id", contractID).Msg("Failed to release held stream")
		}
	}
	return nil
}
