package storage

import (
	"fmt"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/evidence"
)

// New opens the evidence backend named by cfg.
func New(cfg *config.EvidenceConfig) (evidence.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStorage(), nil
	case "sqlite", "":
		return NewSQLiteStorage(&SQLiteConfig{
			Path:        cfg.SQLitePath,
			BusyTimeout: cfg.WriteTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown evidence backend %q", cfg.Backend)
	}
}
