package storage

import (
	"fmt"
	"log/slog"
)

// Config selects a storage backend.
type Config struct {
	// Backend is one of "memory", "duckdb", "sqlite" or "mysql".
	Backend string
	// DSN is the database path or connection string.
	DSN string
}

// New builds the store named by cfg.Backend. The store is not initialized.
func New(cfg Config, logger *slog.Logger) (CandleStore, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStorage(), nil
	case "duckdb", "":
		return NewDuckDBStorage(cfg.DSN, logger)
	case "sqlite", "mysql":
		return NewGormStorage(cfg.Backend, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
