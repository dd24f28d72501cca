// Package dbx wraps a pooled Postgres connection with the primitives the
// rest of the daemon needs: fetch/fetchrow/fetchval/execute, a transaction
// scope, JSONB normalization, and compare-and-set state updates.
package dbx

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds connection pool settings. DSN components come from the
// environment (never from butler.toml); only the database name may be
// overridden per-butler via [butler.db].name.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Pool wraps a pgxpool.Pool. Embedding keeps Query/QueryRow/Exec/Begin
// available directly while Fetch/FetchRow/FetchVal/Execute give the
// higher-level shapes the rest of the daemon expects.
type Pool struct {
	*pgxpool.Pool
}

// NewPool opens a connection pool against Postgres and verifies
// connectivity with a ping before returning.
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// NewPoolFromPgx wraps an already-constructed pgxpool.Pool, useful for
// tests backed by testcontainers.
func NewPoolFromPgx(p *pgxpool.Pool) *Pool {
	return &Pool{Pool: p}
}

// Close closes the underlying pool. Safe to call more than once.
func (p *Pool) Close() {
	p.Pool.Close()
}
