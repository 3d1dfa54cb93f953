package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/mercator/internal/models"
)

// InstanceManager is the single long-lived owner of the instance set and the
// algorithm catalog. All lifecycle transitions go through it.
type InstanceManager interface {
	// CreateInstance validates the config, constructs a runtime and, when
	// save is true, persists the instance set.
	CreateInstance(ctx context.Context, config models.InstanceConfig, save bool) (*models.InstanceState, error)

	// UpdateInstance patches a stopped instance's definition.
	UpdateInstance(ctx context.Context, id string, patch models.InstanceConfig) (*models.InstanceState, error)

	// DeleteInstance stops the runtime if needed and removes the instance.
	DeleteInstance(ctx context.Context, id string) error

	// Lifecycle transitions. Stop is idempotent.
	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	PauseInstance(ctx context.Context, id string) error
	ResumeInstance(ctx context.Context, id string) error

	// GetInstanceState returns a read snapshot of one instance.
	GetInstanceState(id string) (models.InstanceState, error)

	// GetAllInstanceStates returns read snapshots of every instance.
	GetAllInstanceStates() []models.InstanceState

	// GetAllInstances returns the persisted definitions.
	GetAllInstances() []models.InstanceConfig

	// GetChartData returns the instance's bars and indicator sequences.
	GetChartData(id string) (*models.ChartData, error)

	// GetLogs returns the instance's bounded log, oldest first.
	GetLogs(id string) ([]models.InstanceLogEntry, error)

	// GetTrades returns the instance's closed trades.
	GetTrades(id string) ([]models.Trade, error)

	// Counts returns the total and RUNNING instance counts.
	Counts() (total int, running int)

	// Close stops every runtime and the state poller.
	Close() error
}

// AlgorithmCatalog owns the named algorithm documents. Reads return deep
// copies so a runtime never aliases a catalog entry.
type AlgorithmCatalog interface {
	Save(ctx context.Context, algorithm *models.Algorithm) error
	Get(name string) (*models.Algorithm, error)
	GetAll() []*models.Algorithm
	Delete(ctx context.Context, name string) error
	Exists(name string) bool
}

// BacktestService owns backtest definitions and their runs.
type BacktestService interface {
	CreateDefinition(ctx context.Context, def *models.BacktestDefinition) (*models.BacktestDefinition, error)
	UpdateDefinition(ctx context.Context, id string, def *models.BacktestDefinition) (*models.BacktestDefinition, error)
	GetDefinition(ctx context.Context, id string) (*models.BacktestDefinition, error)
	GetAllDefinitions(ctx context.Context) ([]*models.BacktestDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Run starts an asynchronous run of a definition and returns its
	// snapshot in CREATED or RUNNING state.
	Run(ctx context.Context, definitionID string) (*models.BacktestInstance, error)

	// Stop requests cooperative termination of the definition's active run.
	Stop(ctx context.Context, definitionID string) error

	// Status returns the most recent run for a definition.
	Status(ctx context.Context, definitionID string) (*models.BacktestInstance, error)

	// Runs returns every known run, newest first.
	Runs(ctx context.Context) ([]*models.BacktestInstance, error)
	GetRun(ctx context.Context, runID string) (*models.BacktestInstance, error)
	DeleteRun(ctx context.Context, runID string) error

	// Close stops all active runs.
	Close() error
}

// MarketDataService wraps the broker with the historical day-file cache and
// ref-counted stream fan-out shared by all runtimes.
type MarketDataService interface {
	// GetBars returns 1-minute bars for [start, end), serving cached day
	// files first and fetching missing days from the broker. Fetched days
	// are written back to the cache.
	GetBars(ctx context.Context, symbol, contractID string, start, end time.Time) ([]models.Bar, error)

	// Subscribe attaches a consumer to the contract's trade stream. One
	// upstream broker stream is held per contract regardless of consumer
	// count.
	Subscribe(ctx context.Context, contractID string, consumer TradeConsumer) (StreamHandle, error)

	// ActiveStreamCount returns the number of open upstream streams.
	ActiveStreamCount() int

	// TestConnection verifies gateway credentials.
	TestConnection(ctx context.Context) error

	// Accounts and Contracts pass through to the broker.
	Accounts(ctx context.Context, onlyActive bool) ([]models.Account, error)
	Contracts(ctx context.Context, query string, live bool) ([]models.Contract, error)

	// Connected reports whether the broker session is usable.
	Connected() bool

	Close() error
}

// JobStatus describes one scheduled maintenance job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Enabled   bool      `json:"enabled"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	NextRun   time.Time `json:"nextRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// SchedulerService runs the cron maintenance jobs.
type SchedulerService interface {
	Start() error
	Stop() error
	Jobs() []JobStatus
}
