// Package storage opens the shared database connection used by the
// postgres storage driver.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"

	"licensor/internal/config"
)

// validIdentifier matches safe PostgreSQL identifiers (letters, digits, underscores).
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// TableName joins prefix and name and rejects anything that is not a plain identifier.
func TableName(prefix, name string) (string, error) {
	table := prefix + name
	if !validIdentifier.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", table)
	}
	return table, nil
}

// OpenPostgres creates a pgx pool from the storage config and verifies connectivity.
func OpenPostgres(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.InfoContext(ctx, "postgres pool ready",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.String("database", poolCfg.ConnConfig.Database),
		slog.Int("max_conns", int(poolCfg.MaxConns)))
	return pool, nil
}
