package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// connectPingTimeout bounds the startup connectivity probe. Beacon would
// rather fail fast at boot than discover a dead credential store on the
// first refresh.
const connectPingTimeout = 3 * time.Second

// NewDBPool opens the Postgres pool backing the credential store and
// verifies connectivity. Schema setup (the kv table) belongs to
// credential.NewPostgresStore, not here.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	if err := PingDB(ctx, pool, connectPingTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping credential database: %w", err)
	}
	return pool, nil
}

// PingDB round-trips the database within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}
