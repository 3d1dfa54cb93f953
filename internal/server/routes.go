package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all HTTP routes. Method dispatch and path parsing
// live in the handlers; the mux only splits the resource subtrees.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Event stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Instances: CRUD, lifecycle actions and per-instance reads
	mux.HandleFunc("/instances", s.app.InstanceHandler.CollectionHandler)
	mux.HandleFunc("/instances/", s.app.InstanceHandler.ItemHandler)

	// Algorithm catalog
	mux.HandleFunc("/algorithms", s.app.AlgorithmHandler.CollectionHandler)
	mux.HandleFunc("/algorithms/", s.app.AlgorithmHandler.ItemHandler)

	// Backtest definitions, lifecycle and runs
	mux.HandleFunc("/backtests", s.app.BacktestHandler.CollectionHandler)
	mux.HandleFunc("/backtests/", s.app.BacktestHandler.ItemHandler)

	// Historical bar cache
	mux.HandleFunc("/historical/", s.app.HistoricalHandler.SymbolHandler)

	// Broker diagnostics
	mux.HandleFunc("/trading/", s.app.TradingHandler.ActionHandler)

	// Process endpoints
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/version", s.app.APIHandler.VersionHandler)
	mux.Handle("/metrics", promhttp.Handler())

	// JSON 404 for everything else
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}
