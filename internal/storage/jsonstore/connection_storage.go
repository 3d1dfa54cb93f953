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

// ConnectionStorage persists the broker credential document.
type ConnectionStorage struct {
	path   string
	logger arbor.ILogger
}

// NewConnectionStorage creates a new ConnectionStorage instance
func NewConnectionStorage(dataDir string, logger arbor.ILogger) interfaces.ConnectionStorage {
	return &ConnectionStorage{
		path:   filepath.Join(dataDir, connectionFile),
		logger: logger,
	}
}

func (s *ConnectionStorage) Save(ctx context.Context, conn *models.BrokerConnection) error {
	if conn == nil {
		return common.ValidationError("broker connection is required")
	}
	if conn.UserName == "" || conn.APIKey == "" {
		return common.ValidationError("broker connection requires userName and apiKey")
	}
	conn.LastSaved = time.Now().UTC()
	return writeDocument(s.path, conn)
}

func (s *ConnectionStorage) Load(ctx context.Context) (*models.BrokerConnection, error) {
	var conn models.BrokerConnection
	if err := readDocument(s.path, &conn); err != nil {
		if common.IsNotFound(err) {
			return nil, common.NotFoundError("broker connection not configured")
		}
		return nil, err
	}
	return &conn, nil
}
