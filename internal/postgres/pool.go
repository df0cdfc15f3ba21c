package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSlowQuery is the duration above which a successful query is logged.
const DefaultSlowQuery = 250 * time.Millisecond

// PoolOptions tunes the connection pool. Zero values keep pgx defaults.
type PoolOptions struct {
	MaxConns        int32
	MaxConnLifetime time.Duration

	// SlowQuery overrides DefaultSlowQuery. Negative logs failures only.
	SlowQuery time.Duration
}

// NewPool parses url, installs the logging and otel query tracer, and
// verifies connectivity before returning.
func NewPool(ctx context.Context, url string, opts ...PoolOptions) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	slow := DefaultSlowQuery
	if len(opts) > 0 {
		if opts[0].SlowQuery != 0 {
			slow = opts[0].SlowQuery
		}
		if opts[0].MaxConns > 0 {
			pcfg.MaxConns = opts[0].MaxConns
		}
		if opts[0].MaxConnLifetime > 0 {
			pcfg.MaxConnLifetime = opts[0].MaxConnLifetime
		}
	}
	pcfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), slow)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
