package catalog

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tomatic/tomatic-backend/internal/models"
)

// ModelLister is the slice of the provider the catalog needs.
type ModelLister interface {
	ListModels(ctx context.Context) ([]models.ModelInfo, error)
}

// Catalog holds the known models with their pricing. Seeded from config,
// refreshable from the backend. Lookups of unknown ids return an entry with
// nil pricing so cost accounting degrades to zero instead of failing.
type Catalog struct {
	mu     sync.RWMutex
	models []models.ModelInfo
	logger *logrus.Logger
}

// New creates a catalog seeded with the given models.
func New(seed []models.ModelInfo, logger *logrus.Logger) *Catalog {
	if logger == nil {
		logger = logrus.New()
	}
	return &Catalog{
		models: append([]models.ModelInfo(nil), seed...),
		logger: logger,
	}
}

// List returns a snapshot of all known models.
func (c *Catalog) List() []models.ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.ModelInfo(nil), c.models...)
}

// Lookup returns the model with the given id. Unknown ids yield a bare entry
// with no pricing.
func (c *Catalog) Lookup(id string) models.ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m.ID == id {
			return m
		}
	}
	return models.ModelInfo{ID: id, Name: id}
}

// Refresh replaces the catalog with the backend's current model list. A
// failed refresh keeps the previous catalog.
func (c *Catalog) Refresh(ctx context.Context, lister ModelLister) error {
	fetched, err := lister.ListModels(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("model catalog refresh failed")
		return err
	}

	c.mu.Lock()
	c.models = fetched
	c.mu.Unlock()

	c.logger.WithField("models", len(fetched)).Info("model catalog refreshed")
	return nil
}
