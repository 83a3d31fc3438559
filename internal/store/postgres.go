// Package store provides the durable, conditionally-updated persistence
// layer for workflows. It implements domain.Store on top of PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/northstack/rollout/internal/config"
	"github.com/northstack/rollout/pkg/logger"
)

// DB wraps a pgxpool connection pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Name).
		Msg("connected to postgresql")

	return &DB{pool: pool, logger: log}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.pool.Close()
	db.logger.Info().Msg("postgresql connection closed")
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

const migrationCreateWorkflows = `
CREATE TABLE IF NOT EXISTS workflows (
    id                        TEXT NOT NULL,
    created_at                TIMESTAMPTZ NOT NULL,
    updated_at                TIMESTAMPTZ,
    owner                     TEXT NOT NULL,
    repo                      TEXT NOT NULL,
    git_ref                   TEXT NOT NULL,
    sha                       TEXT NOT NULL,
    commit_message            TEXT NOT NULL DEFAULT '',
    stability_period_minutes  INTEGER NOT NULL,
    environments              JSONB NOT NULL,
    status                    TEXT NOT NULL,
    due_to_run                TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (id, created_at)
);
`

const migrationCreateIndexes = `
CREATE INDEX IF NOT EXISTS idx_workflows_due ON workflows (status, due_to_run);
`

// Migrate creates the workflows table and its supporting index.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{migrationCreateWorkflows, migrationCreateIndexes}
	for i, migration := range migrations {
		if _, err := db.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info().Int("count", len(migrations)).Msg("database migrations completed")
	return nil
}
