package jsonstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// BacktestStorage persists definition documents at backtests/<id>.json and
// completed run snapshots as one array document.
type BacktestStorage struct {
	dir         string
	resultsPath string
	logger      arbor.ILogger
}

// NewBacktestStorage creates a new BacktestStorage instance
func NewBacktestStorage(dataDir string, logger arbor.ILogger) interfaces.BacktestStorage {
	return &BacktestStorage{
		dir:         filepath.Join(dataDir, backtestsDir),
		resultsPath: filepath.Join(dataDir, resultsFile),
		logger:      logger,
	}
}

func (s *BacktestStorage) StoreDefinition(ctx context.Context, def *models.BacktestDefinition) error {
	if def == nil {
		return common.ValidationError("backtest definition is required")
	}
	if err := def.Validate(); err != nil {
		return common.ValidationError("invalid backtest definition: %v", err)
	}
	if err := safeKey(def.ID); err != nil {
		return err
	}

	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.LastModifiedAt = now

	return writeDocument(s.path(def.ID), def)
}

func (s *BacktestStorage) GetDefinition(ctx context.Context, id string) (*models.BacktestDefinition, error) {
	if err := safeKey(id); err != nil {
		return nil, err
	}
	var def models.BacktestDefinition
	if err := readDocument(s.path(id), &def); err != nil {
		if common.IsNotFound(err) {
			return nil, common.NotFoundError("backtest not found: %s", id)
		}
		return nil, err
	}
	return &def, nil
}

func (s *BacktestStorage) GetAllDefinitions(ctx context.Context) ([]*models.BacktestDefinition, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	defs := make([]*models.BacktestDefinition, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var def models.BacktestDefinition
		if err := readDocument(filepath.Join(s.dir, entry.Name()), &def); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable backtest document")
			continue
		}
		defs = append(defs, &def)
	}

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Name != defs[j].Name {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].ID < defs[j].ID
	})
	return defs, nil
}

func (s *BacktestStorage) DeleteDefinition(ctx context.Context, id string) error {
	if err := safeKey(id); err != nil {
		return err
	}
	if err := removeDocument(s.path(id)); err != nil {
		if common.IsNotFound(err) {
			return common.NotFoundError("backtest not found: %s", id)
		}
		return err
	}
	return nil
}

func (s *BacktestStorage) SaveResults(ctx context.Context, runs []*models.BacktestInstance) error {
	if runs == nil {
		runs = []*models.BacktestInstance{}
	}
	return writeDocument(s.resultsPath, runs)
}

// LoadResults returns the persisted run snapshots. A missing document yields
// an empty list.
func (s *BacktestStorage) LoadResults(ctx context.Context) ([]*models.BacktestInstance, error) {
	var runs []*models.BacktestInstance
	if err := readDocument(s.resultsPath, &runs); err != nil {
		if common.IsNotFound(err) {
			return []*models.BacktestInstance{}, nil
		}
		return nil, err
	}
	return runs, nil
}

func (s *BacktestStorage) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
