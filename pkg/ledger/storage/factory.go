package storage

import (
	"context"
	"fmt"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/ledger"
)

// New opens the store selected by cfg.Backend.
func New(ctx context.Context, cfg *config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		return NewSQLiteStore(SQLiteConfig{
			Path:               cfg.SQLite.Path,
			BusyTimeout:        cfg.SQLite.BusyTimeout,
			CheckpointInterval: cfg.SQLite.CheckpointInterval,
		})
	case "redis":
		return NewRedisStore(ctx, RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Prefix:       cfg.Redis.KeyPrefix,
			MaxTxRetries: cfg.Redis.MaxTxRetries,
		})
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
