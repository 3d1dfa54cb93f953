package jsonstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// AlgorithmStorage persists algorithm documents at algorithms/<name>.json.
// The document name is the filesystem key.
type AlgorithmStorage struct {
	dir    string
	logger arbor.ILogger
}

// NewAlgorithmStorage creates a new AlgorithmStorage instance
func NewAlgorithmStorage(dataDir string, logger arbor.ILogger) interfaces.AlgorithmStorage {
	return &AlgorithmStorage{
		dir:    filepath.Join(dataDir, algorithmsDir),
		logger: logger,
	}
}

func (s *AlgorithmStorage) Store(ctx context.Context, algorithm *models.Algorithm) error {
	if algorithm == nil {
		return common.ValidationError("algorithm is required")
	}
	if err := algorithm.Validate(); err != nil {
		return common.ValidationError("invalid algorithm: %v", err)
	}
	if err := safeKey(algorithm.Name); err != nil {
		return err
	}
	return writeDocument(s.path(algorithm.Name), algorithm)
}

func (s *AlgorithmStorage) Get(ctx context.Context, name string) (*models.Algorithm, error) {
	if err := safeKey(name); err != nil {
		return nil, err
	}
	var algorithm models.Algorithm
	if err := readDocument(s.path(name), &algorithm); err != nil {
		if common.IsNotFound(err) {
			return nil, common.NotFoundError("algorithm not found: %s", name)
		}
		return nil, err
	}
	return &algorithm, nil
}

func (s *AlgorithmStorage) GetAll(ctx context.Context) ([]*models.Algorithm, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	algorithms := make([]*models.Algorithm, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var algorithm models.Algorithm
		if err := readDocument(filepath.Join(s.dir, entry.Name()), &algorithm); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable algorithm document")
			continue
		}
		algorithms = append(algorithms, &algorithm)
	}

	sort.Slice(algorithms, func(i, j int) bool {
		return algorithms[i].Name < algorithms[j].Name
	})
	return algorithms, nil
}

func (s *AlgorithmStorage) Delete(ctx context.Context, name string) error {
	if err := safeKey(name); err != nil {
		return err
	}
	if err := removeDocument(s.path(name)); err != nil {
		if common.IsNotFound(err) {
			return common.NotFoundError("algorithm not found: %s", name)
		}
		return err
	}
	return nil
}

func (s *AlgorithmStorage) Exists(ctx context.Context, name string) (bool, error) {
	if err := safeKey(name); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *AlgorithmStorage) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}
