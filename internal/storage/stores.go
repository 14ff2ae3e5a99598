package storage

import (
	"context"
	"fmt"

	"github.com/activity-migrator/internal/config"
)

// Store drivers selectable with STORE_DRIVER
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Stores bundles the document stores for one driver
type Stores struct {
	Driver     string
	Jobs       JobStore
	Progress   ProgressStore
	Activities ActivityStore
	Profiles   ProfileStore

	ping  func(ctx context.Context) error
	close func()
}

// OpenStores connects the stores selected by cfg.StoreDriver. The memory
// driver keeps state in process and is meant for local runs.
func OpenStores(cfg *config.Config) (*Stores, error) {
	switch cfg.StoreDriver {
	case DriverMemory:
		return NewMemoryStores(NewMemoryStore()), nil
	case DriverPostgres, "":
		db, err := NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Driver:     DriverPostgres,
			Jobs:       NewPostgresJobStore(db),
			Progress:   NewProgressRepository(db),
			Activities: NewActivityRepository(db),
			Profiles:   NewProfileRepository(db),
			ping:       db.Ping,
			close:      db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewMemoryStores wraps one MemoryStore as every store
func NewMemoryStores(m *MemoryStore) *Stores {
	return &Stores{
		Driver:     DriverMemory,
		Jobs:       m,
		Progress:   m,
		Activities: m,
		Profiles:   m,
		ping:       func(context.Context) error { return nil },
		close:      func() {},
	}
}

// Ping checks the backing database
func (s *Stores) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

// Close releases the backing connections
func (s *Stores) Close() {
	s.close()
}
