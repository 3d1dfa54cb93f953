// Package app wires the service graph: storage, broker, market data,
// instance engine, backtests, scheduler and the HTTP/WebSocket handlers.
package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/broker"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/engine"
	"github.com/ternarybob/mercator/internal/handlers"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
	"github.com/ternarybob/mercator/internal/services/backtests"
	"github.com/ternarybob/mercator/internal/services/events"
	"github.com/ternarybob/mercator/internal/services/instances"
	"github.com/ternarybob/mercator/internal/services/marketdata"
	"github.com/ternarybob/mercator/internal/services/scheduler"
	"github.com/ternarybob/mercator/internal/services/status"
	"github.com/ternarybob/mercator/internal/storage/jsonstore"
)

// App holds all application components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger
	ctx    context.Context
	cancel context.CancelFunc

	StorageManager interfaces.StorageManager

	// Core services
	EventService interfaces.EventService
	Broker       interfaces.BrokerClient
	MarketData   interfaces.MarketDataService
	Catalog      interfaces.AlgorithmCatalog
	Instances    interfaces.InstanceManager
	Backtests    interfaces.BacktestService
	Scheduler    interfaces.SchedulerService

	StatusService *status.Service

	// HTTP handlers
	APIHandler        *handlers.APIHandler
	InstanceHandler   *handlers.InstanceHandler
	AlgorithmHandler  *handlers.AlgorithmHandler
	BacktestHandler   *handlers.BacktestHandler
	HistoricalHandler *handlers.HistoricalHandler
	TradingHandler    *handlers.TradingHandler
	WSHandler         *handlers.WebSocketHandler

	// Bridge that streams server log lines to WebSocket clients.
	logBridge *handlers.WebSocketWriter
}

// New initializes the application with all dependencies. The storage
// layer is created first so a missing data directory fails startup
// before any service starts.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config: cfg,
		Logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initStorage(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		cancel()
		app.closeServices()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.Scheduler.Start(); err != nil {
		cancel()
		app.closeServices()
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	app.initHandlers()

	// Attach the log bridge after the hub exists. Events logged from
	// here on are forwarded to connected WebSocket clients.
	app.logBridge = handlers.NewWebSocketWriter(app.WSHandler, cfg.WebSocket)
	app.Logger.SetChannel("context", app.logBridge.GetChannel())
	app.logBridge.Start()

	total, running := app.Instances.Counts()
	logger.Info().
		Int("instances", total).
		Int("running", running).
		Str("broker", app.brokerMode()).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage creates the JSON document store rooted at data.dir.
func (a *App) initStorage() error {
	manager, err := jsonstore.NewManager(a.Logger, a.Config.Data.Dir)
	if err != nil {
		return err
	}
	a.StorageManager = manager

	a.Logger.Debug().
		Str("storage", "jsonstore").
		Str("path", a.Config.Data.Dir).
		Msg("Storage layer initialized")
	return nil
}

// initServices builds the service graph bottom-up: events, broker,
// market data, catalog, instance manager, backtests, scheduler.
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Config.Engine.EventQueueSize, a.Logger)

	a.initBroker()

	a.MarketData = marketdata.NewService(a.Broker, a.StorageManager.HistoricalStorage(), a.Logger)

	catalog, err := instances.NewCatalog(a.ctx, a.StorageManager.AlgorithmStorage(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load algorithm catalog: %w", err)
	}
	a.Catalog = catalog

	manager, err := instances.NewManager(a.ctx, instances.Deps{
		MarketData: a.MarketData,
		Broker:     a.Broker,
		Events:     a.EventService,
		Storage:    a.StorageManager.InstanceStorage(),
		Catalog:    a.Catalog,
		Logger:     a.Logger,
	}, engine.Options{
		HistoryDays:         a.Config.Engine.HistoryDays,
		MinBarsForSignals:   a.Config.Engine.MinBarsForSignals,
		TransientErrorLimit: a.Config.Engine.TransientErrorLimit,
		LogCapacity:         a.Config.Engine.MaxInstanceLogs,
	}, a.Config.Engine.PollDuration())
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}
	a.Instances = manager

	backtestService, err := backtests.NewService(a.ctx, backtests.Deps{
		MarketData: a.MarketData,
		Catalog:    a.Catalog,
		Storage:    a.StorageManager.BacktestStorage(),
		Events:     a.EventService,
		Logger:     a.Logger,
	}, backtests.DefaultsFromConfig(a.Config.Backtest))
	if err != nil {
		return fmt.Errorf("failed to load backtests: %w", err)
	}
	a.Backtests = backtestService

	schedulerService, err := scheduler.NewService(a.Config.Scheduler, a.Config.Data.HistoricalRetentionDays, scheduler.Deps{
		Historical: a.StorageManager.HistoricalStorage(),
		Instances:  manager,
		Logger:     a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}
	a.Scheduler = schedulerService

	a.StatusService = status.NewService(a.Instances, a.MarketData, a.Scheduler)
	return nil
}

// initBroker selects the gateway client. A stored connection document
// wins over config credentials; with neither the app runs against the
// simulated broker so the engine stays usable offline.
func (a *App) initBroker() {
	conn := a.loadConnection()

	if conn.UserName == "" || conn.APIKey == "" {
		a.Logger.Warn().Msg("No gateway credentials configured, using simulated broker")
		a.Broker = broker.NewMockClient(a.Logger)
		return
	}

	client := broker.NewClient(conn,
		broker.WithLogger(a.Logger),
		broker.WithRateLimit(a.Config.Broker.RateLimit),
		broker.WithTimeouts(a.Config.Broker.AuthTimeout, a.Config.Broker.RequestTimeout),
	)
	a.Broker = client

	if conn.AutoConnect {
		// Authentication failure is not fatal: the gateway may be down
		// and every call re-authenticates on demand.
		if _, err := client.Authenticate(a.ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Gateway authentication failed, continuing disconnected")
		} else {
			a.Logger.Info().Str("user", conn.UserName).Msg("Gateway authenticated")
		}
	}
}

// loadConnection merges the stored connection document with config
// fallbacks. Fields present in the document win.
func (a *App) loadConnection() *models.BrokerConnection {
	conn, err := a.StorageManager.ConnectionStorage().Load(a.ctx)
	if err != nil {
		if !common.IsNotFound(err) {
			a.Logger.Warn().Err(err).Msg("Failed to load broker connection")
		}
		conn = &models.BrokerConnection{}
	}

	if conn.UserName == "" {
		conn.UserName = a.Config.Broker.UserName
	}
	if conn.APIKey == "" {
		conn.APIKey = a.Config.Broker.APIKey
	}
	if conn.APIURL == "" {
		conn.APIURL = a.Config.Broker.APIURL
	}
	if conn.MarketURL == "" {
		conn.MarketURL = a.Config.Broker.MarketURL
	}
	if !conn.AutoConnect {
		conn.AutoConnect = a.Config.Broker.AutoConnect
	}
	return conn
}

func (a *App) initHandlers() {
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Instances, a.Config.WebSocket, a.Logger)
	a.APIHandler = handlers.NewAPIHandler(a.StatusService, a.Logger)
	a.InstanceHandler = handlers.NewInstanceHandler(a.Instances, a.Logger)
	a.AlgorithmHandler = handlers.NewAlgorithmHandler(a.Catalog, a.Logger)
	a.BacktestHandler = handlers.NewBacktestHandler(a.Backtests, a.Logger)
	a.HistoricalHandler = handlers.NewHistoricalHandler(a.StorageManager.HistoricalStorage(), a.Logger)
	a.TradingHandler = handlers.NewTradingHandler(a.MarketData, a.StatusService, a.Logger)
}

// brokerMode names the active gateway client for the startup log line.
func (a *App) brokerMode() string {
	if _, ok := a.Broker.(*broker.MockClient); ok {
		return "simulated"
	}
	return "gateway"
}

// Close shuts the application down in reverse dependency order. Held
// market data streams are released first so the broker can close its
// websockets cleanly.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}

	if a.TradingHandler != nil {
		if err := a.TradingHandler.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to release held market data streams")
		}
	}

	// Detach the log bridge before the hub closes so shutdown logging
	// does not race the client unregister path.
	if a.logBridge != nil {
		if err := a.logBridge.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop log bridge")
		}
	}
	if a.WSHandler != nil {
		if err := a.WSHandler.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close WebSocket hub")
		}
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	a.closeServices()

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}

// closeServices stops the long-running services. Used both on shutdown
// and to unwind a partially constructed App when New fails.
func (a *App) closeServices() {
	if a.Backtests != nil {
		if err := a.Backtests.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close backtest service")
		}
	}

	if a.Instances != nil {
		if err := a.Instances.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close instance manager")
		}
	}

	if a.MarketData != nil {
		if err := a.MarketData.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close market data service")
		}
	}

	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close broker client")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}
}
