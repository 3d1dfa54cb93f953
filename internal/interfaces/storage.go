package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/mercator/internal/models"
)

// AlgorithmStorage - interface for the algorithm catalog documents
type AlgorithmStorage interface {
	// Store writes algorithms/<name>.json atomically.
	Store(ctx context.Context, algorithm *models.Algorithm) error
	Get(ctx context.Context, name string) (*models.Algorithm, error)
	GetAll(ctx context.Context) ([]*models.Algorithm, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// InstanceStorage - interface for the persisted instance set
type InstanceStorage interface {
	// Save writes the whole instance set snapshot to instances.json.
	Save(ctx context.Context, set *models.InstanceSet) error
	Load(ctx context.Context) (*models.InstanceSet, error)
}

// BacktestStorage - interface for backtest definitions and completed runs
type BacktestStorage interface {
	// Definition documents at backtests/<id>.json
	StoreDefinition(ctx context.Context, def *models.BacktestDefinition) error
	GetDefinition(ctx context.Context, id string) (*models.BacktestDefinition, error)
	GetAllDefinitions(ctx context.Context) ([]*models.BacktestDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Completed run snapshots at backtest-results.json
	SaveResults(ctx context.Context, runs []*models.BacktestInstance) error
	LoadResults(ctx context.Context) ([]*models.BacktestInstance, error)
}

// HistoricalStorage - interface for cached 1-minute bar day files
type HistoricalStorage interface {
	// StoreDay writes historical/<symbol>-<YYYY-MM-DD>.json.
	StoreDay(ctx context.Context, symbol string, day time.Time, bars []models.Bar) error
	// GetDay returns the bars for one UTC day, or NotFound.
	GetDay(ctx context.Context, symbol string, day time.Time) ([]models.Bar, error)
	// GetRange concatenates day files covering [start, end] in order.
	// Missing days are skipped.
	GetRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)
	// ListDays returns the stored day keys for a symbol, oldest first.
	ListDays(ctx context.Context, symbol string) ([]time.Time, error)
	DeleteDay(ctx context.Context, symbol string, day time.Time) error
	DeleteSymbol(ctx context.Context, symbol string) error
	// Prune removes day files older than the cutoff across all symbols and
	// returns how many were deleted.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// ConnectionStorage - interface for the broker credential document
type ConnectionStorage interface {
	Save(ctx context.Context, conn *models.BrokerConnection) error
	Load(ctx context.Context) (*models.BrokerConnection, error)
}

// StorageManager provides access to the document store rooted at the data
// directory. All writes are whole-file atomic (write-temp + rename).
type StorageManager interface {
	AlgorithmStorage() AlgorithmStorage
	InstanceStorage() InstanceStorage
	BacktestStorage() BacktestStorage
	HistoricalStorage() HistoricalStorage
	ConnectionStorage() ConnectionStorage

	// DataDir returns the store's root directory.
	DataDir() string

	// Close releases the store.
	Close() error
}
