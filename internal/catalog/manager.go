package catalog

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/area/internal/store"
)

// Syncer persists a flattened catalog.
type Syncer interface {
	SyncCatalog(ctx context.Context, c store.Catalog) error
}

// Manager owns the active catalog snapshot. Reloads swap the snapshot only
// after the new catalog has validated and synced.
type Manager struct {
	path    string
	syncer  Syncer
	logger  zerolog.Logger
	current atomic.Pointer[Catalog]
}

// NewManager creates a manager for path; an empty path uses the embedded catalog.
func NewManager(path string, syncer Syncer, logger zerolog.Logger) *Manager {
	return &Manager{
		path:   path,
		syncer: syncer,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

// Reload loads, validates and syncs the catalog, then makes it current.
func (m *Manager) Reload(ctx context.Context) error {
	var (
		c   *Catalog
		err error
	)
	if m.path == "" {
		c, err = Default()
	} else {
		c, err = Load(m.path)
	}
	if err != nil {
		return err
	}

	if m.syncer != nil {
		if err := m.syncer.SyncCatalog(ctx, c.ToStore()); err != nil {
			return fmt.Errorf("catalog: sync: %w", err)
		}
	}

	m.current.Store(c)
	m.logger.Info().
		Str("path", m.sourceName()).
		Int("services", len(c.Services())).
		Int("components", len(c.components)).
		Msg("Catalog loaded")
	return nil
}

// Current returns the active snapshot, or nil before the first Reload.
func (m *Manager) Current() *Catalog {
	return m.current.Load()
}

// Path returns the watched catalog file, or "" for the embedded catalog.
func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) sourceName() string {
	if m.path == "" {
		return "embedded"
	}
	return m.path
}
