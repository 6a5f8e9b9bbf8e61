package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nikolay-makurin/routecheck/pkg/types"
)

// Open builds a pgx pool sized to the endpoint and verifies it can reach the
// proxy before any session is handed out.
func Open(ctx context.Context, ep types.Endpoint, opts Options) (*Manager, error) {
	cfg, err := pgxpool.ParseConfig(ep.ConnString())
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %s: %w", ep, err)
	}
	if opts.MaxSessions < 1 {
		opts.MaxSessions = ep.MaxConnections
	}
	cfg.MaxConns = int32(opts.MaxSessions)
	cfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create pool for %s: %w", ErrConnection, ep, err)
	}
	if err := pingWithRetry(ctx, pool.Ping, opts.ConnectAttempts, opts.ConnectBackoff); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to reach %s: %w", ErrConnection, ep, err)
	}

	slog.Info("Connected to endpoint", "endpoint", ep.String(), "max_sessions", opts.MaxSessions, "policy", opts.Policy)
	return New(&pgxConnector{pool: pool}, opts), nil
}

// pingWithRetry pings up to attempts times, doubling backoff between tries.
func pingWithRetry(ctx context.Context, ping func(context.Context) error, attempts int, backoff time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || i == attempts-1 {
			break
		}

		slog.Warn("Endpoint unreachable, retrying",
			"attempt", i+1,
			"max_attempts", attempts,
			"error", err)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff * time.Duration(1<<i)):
		}
	}
	return err
}

type pgxConnector struct {
	pool *pgxpool.Pool
}

func (c *pgxConnector) Acquire(ctx context.Context) (Conn, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

func (c *pgxConnector) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *pgxConnector) Close() {
	c.pool.Close()
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c *pgxConn) Begin(ctx context.Context) (pgx.Tx, error) {
	return c.conn.Begin(ctx)
}

func (c *pgxConn) Release() {
	c.conn.Release()
}

// Destroy takes the connection out of the pool so that pool.Close does not
// wait for it.
func (c *pgxConn) Destroy(ctx context.Context) {
	raw := c.conn.Hijack()
	if err := raw.Close(ctx); err != nil {
		slog.Debug("Failed to close hijacked connection", "error", err)
	}
}
