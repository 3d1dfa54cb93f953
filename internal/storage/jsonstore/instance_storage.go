package jsonstore

import (
	"context"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// InstanceStorage persists the whole instance set as one snapshot document.
type InstanceStorage struct {
	path   string
	logger arbor.ILogger
}

// NewInstanceStorage creates a new InstanceStorage instance
func NewInstanceStorage(dataDir string, logger arbor.ILogger) interfaces.InstanceStorage {
	return &InstanceStorage{
		path:   filepath.Join(dataDir, instancesFile),
		logger: logger,
	}
}

func (s *InstanceStorage) Save(ctx context.Context, set *models.InstanceSet) error {
	if set == nil {
		set = &models.InstanceSet{}
	}
	if set.Instances == nil {
		set.Instances = []models.InstanceConfig{}
	}
	set.LastSaved = time.Now().UTC()
	return writeDocument(s.path, set)
}

// Load returns the persisted instance set. A missing document yields an
// empty set: first boot has nothing saved yet.
func (s *InstanceStorage) Load(ctx context.Context) (*models.InstanceSet, error) {
	var set models.InstanceSet
	if err := readDocument(s.path, &set); err != nil {
		if common.IsNotFound(err) {
			return &models.InstanceSet{Instances: []models.InstanceConfig{}}, nil
		}
		return nil, err
	}
	if set.Instances == nil {
		set.Instances = []models.InstanceConfig{}
	}
	return &set, nil
}
