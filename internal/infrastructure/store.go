package infrastructure

import (
	"context"
	"fmt"
	"strings"

	"adlens/internal/domain"
	"adlens/pkg/config"
	"adlens/pkg/logger"
)

// NewStore opens the persistence backend named by cfg.Driver.
func NewStore(ctx context.Context, cfg config.StorageConfig, maxConns int, logger *logger.Logger) (domain.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryStore(logger), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresDSN, maxConns, logger)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
