// Package instances owns the live trading instance set and the algorithm
// catalog. Every instance lifecycle transition, state read and persistence
// write goes through the Manager; runtimes themselves never touch storage.
package instances

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// Catalog keeps the named algorithm documents in memory with write-through
// persistence. Reads return deep copies so runtimes and API responses never
// alias a catalog entry.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*models.Algorithm

	storage interfaces.AlgorithmStorage
	logger  arbor.ILogger
	now     func() time.Time
}

// NewCatalog loads the persisted algorithm documents and returns the catalog.
func NewCatalog(ctx context.Context, storage interfaces.AlgorithmStorage, logger arbor.ILogger) (*Catalog, error) {
	c := &Catalog{
		entries: make(map[string]*models.Algorithm),
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}

	stored, err := storage.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, algorithm := range stored {
		if err := algorithm.Validate(); err != nil {
			c.logger.Warn().
				Str("algorithm", algorithm.Name).
				Err(err).
				Msg("Skipping invalid stored algorithm")
			continue
		}
		c.entries[algorithm.Name] = algorithm
	}
	c.logger.Info().Int("algorithms", len(c.entries)).Msg("Algorithm catalog loaded")
	return c, nil
}

// Save validates and upserts an algorithm, writing through to storage before
// the in-memory entry is replaced. The created timestamp of an existing
// entry survives an overwrite.
func (c *Catalog) Save(ctx context.Context, algorithm *models.Algorithm) error {
	if algorithm == nil {
		return common.ValidationError("algorithm is required")
	}
	if err := algorithm.Validate(); err != nil {
		return common.ValidationError("invalid algorithm: %v", err)
	}

	entry := algorithm.Clone()
	entry.LastModifiedTime = c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[entry.Name]; ok {
		entry.CreatedTime = existing.CreatedTime
	} else if entry.CreatedTime.IsZero() {
		entry.CreatedTime = entry.LastModifiedTime
	}

	if err := c.storage.Store(ctx, entry); err != nil {
		return err
	}
	c.entries[entry.Name] = entry
	c.logger.Info().Str("algorithm", entry.Name).Msg("Algorithm saved")
	return nil
}

// Get returns a deep copy of the named algorithm.
func (c *Catalog) Get(name string) (*models.Algorithm, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[name]
	if !ok {
		return nil, common.NotFoundError("algorithm %q not found", name)
	}
	return entry.Clone(), nil
}

// GetAll returns deep copies of every algorithm, sorted by name.
func (c *Catalog) GetAll() []*models.Algorithm {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.Algorithm, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes the named algorithm from storage and memory. Runtimes that
// already bound the algorithm keep their copy; instances referencing the
// name refuse their next start.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; !ok {
		return common.NotFoundError("algorithm %q not found", name)
	}
	if err := c.storage.Delete(ctx, name); err != nil {
		return err
	}
	delete(c.entries, name)
	c.logger.Info().Str("algorithm", name).Msg("Algorithm deleted")
	return nil
}

// Exists reports whether the named algorithm is in the catalog.
func (c *Catalog) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}
