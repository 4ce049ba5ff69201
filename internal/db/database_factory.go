package db

import (
	"context"
	"fmt"

	"token-engine/internal/config"
	"token-engine/internal/logging"
)

// Open builds the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg *config.DatabaseConfig, logger *logging.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory store, data will not survive a restart")
		return NewMemoryStore(), nil

	case "postgres", "":
		logger.InfoEvent().
			Int("max_open", cfg.MaxOpenConns).
			Int("max_idle", cfg.MaxIdleConns).
			Dur("max_lifetime", cfg.ConnMaxLifetime).
			Dur("max_idle_time", cfg.ConnMaxIdleTime).
			Msg("opening postgres store")

		database, err := NewDatabase(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}

		health := NewHealthChecker(database).CheckHealth(ctx)
		if health.Status == StatusUnhealthy {
			database.Close()
			return nil, fmt.Errorf("database health check failed: %s", health.Error)
		}
		logger.InfoEvent().Dur("latency", health.Latency).Msg("postgres store ready")
		return database, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
