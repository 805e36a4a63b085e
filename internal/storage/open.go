package storage

import (
	"fmt"

	"github.com/wudi/transit/internal/config"
)

// Open constructs the configured Store backend.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLiteStore(cfg.DSN)
	case "postgres":
		return NewPostgresStore(cfg.DSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
