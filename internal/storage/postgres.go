package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenBenchCore/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "openbenchcore"

const schema = `
CREATE TABLE IF NOT EXISTS bench_snapshots (
	id          BIGSERIAL PRIMARY KEY,
	bench       TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	family      TEXT NOT NULL,
	taken_at    TIMESTAMPTZ NOT NULL,
	connected   BOOLEAN NOT NULL,
	running     BOOLEAN NOT NULL,
	speed_rpm   DOUBLE PRECISION,
	flow_rate   DOUBLE PRECISION,
	pressure    DOUBLE PRECISION,
	direction   TEXT,
	voltage     DOUBLE PRECISION,
	current     DOUBLE PRECISION,
	detail      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS bench_snapshots_bench_taken_at ON bench_snapshots (bench, taken_at);

CREATE TABLE IF NOT EXISTS bench_events (
	id          BIGSERIAL PRIMARY KEY,
	bench       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	code        TEXT,
	message     TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bench_events_bench_occurred_at ON bench_events (bench, occurred_at);
`

// PostgresClient stores durable snapshots and bench events.
type PostgresClient struct {
	pool *pgxpool.Pool
}

// PoolConfig builds the pool settings for cfg. Connections identify
// themselves as openbenchcore in pg_stat_activity.
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	return poolConfig, nil
}

// NewPostgresClient connects, checks the connection and creates the snapshot
// and event tables if they are missing.
func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}
