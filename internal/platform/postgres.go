package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPoolConfig mirrors the database manager's pool defaults.
type PostgresPoolConfig struct {
	PoolSize            int
	MaxOverflow         int
	PoolTimeout         time.Duration
	PoolRecycle         time.Duration
	PrePing             bool
	StatementTimeout    time.Duration
	ConnectTimeout      time.Duration
	IdleInTxTimeout     time.Duration
}

// NewPostgresPool creates a pgx connection pool configured per the database
// manager's pool defaults: pool_size, max_overflow expressed as
// MaxConns, pool_recycle as MaxConnLifetime, and server-side statement and
// idle-in-transaction timeouts set via the runtime_params of the connection
// string.
func NewPostgresPool(ctx context.Context, databaseURL string, cfg PostgresPoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.PoolSize + cfg.MaxOverflow)
	poolCfg.MinConns = int32(cfg.PoolSize / 2)
	poolCfg.MaxConnLifetime = cfg.PoolRecycle
	poolCfg.MaxConnIdleTime = cfg.PoolTimeout
	poolCfg.HealthCheckPeriod = 30 * time.Second

	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}
	if cfg.IdleInTxTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = fmt.Sprintf("%d", cfg.IdleInTxTimeout.Milliseconds())
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if cfg.PrePing {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}
	}

	return pool, nil
}
