package platform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool creates a pooled Postgres connection, honoring the
// min/max pool discipline mandated by §4.2 (default 1/20 for the catalogue
// store; the NPHIES client's own outbound HTTP pool is separate, see
// pkg/gateway).
func NewPostgresPool(ctx context.Context, databaseURL string, poolMin, poolMax int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.MinConns = poolMin
	cfg.MaxConns = poolMax

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}
