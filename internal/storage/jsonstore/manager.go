package jsonstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/interfaces"
)

// Manager implements the StorageManager interface for the JSON document store
type Manager struct {
	dataDir    string
	algorithm  interfaces.AlgorithmStorage
	instance   interfaces.InstanceStorage
	backtest   interfaces.BacktestStorage
	historical interfaces.HistoricalStorage
	connection interfaces.ConnectionStorage
	logger     arbor.ILogger
}

// NewManager creates a document store rooted at dataDir, creating the
// directory layout if needed.
func NewManager(logger arbor.ILogger, dataDir string) (interfaces.StorageManager, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	for _, dir := range []string{dataDir, filepath.Join(dataDir, algorithmsDir), filepath.Join(dataDir, backtestsDir), filepath.Join(dataDir, historicalDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	manager := &Manager{
		dataDir:    dataDir,
		algorithm:  NewAlgorithmStorage(dataDir, logger),
		instance:   NewInstanceStorage(dataDir, logger),
		backtest:   NewBacktestStorage(dataDir, logger),
		historical: NewHistoricalStorage(dataDir, logger),
		connection: NewConnectionStorage(dataDir, logger),
		logger:     logger,
	}

	logger.Info().Str("data_dir", dataDir).Msg("Document store initialized")

	return manager, nil
}

// AlgorithmStorage returns the algorithm catalog storage
func (m *Manager) AlgorithmStorage() interfaces.AlgorithmStorage {
	return m.algorithm
}

// InstanceStorage returns the instance set storage
func (m *Manager) InstanceStorage() interfaces.InstanceStorage {
	return m.instance
}

// BacktestStorage returns the backtest definition and results storage
func (m *Manager) BacktestStorage() interfaces.BacktestStorage {
	return m.backtest
}

// HistoricalStorage returns the historical bar cache storage
func (m *Manager) HistoricalStorage() interfaces.HistoricalStorage {
	return m.historical
}

// ConnectionStorage returns the broker credential storage
func (m *Manager) ConnectionStorage() interfaces.ConnectionStorage {
	return m.connection
}

// DataDir returns the store's root directory
func (m *Manager) DataDir() string {
	return m.dataDir
}

// Close releases the store. File-backed documents hold no open handles.
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Document store closed")
	return nil
}
