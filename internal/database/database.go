package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultApplicationName = "pool-keys"

// DB wraps a pgxpool.Pool holding the users, pool_keys and audit_events tables.
type DB struct {
	pool *pgxpool.Pool
}

type options struct {
	maxConns        int32
	applicationName string
}

// Option configures New.
type Option func(*options)

// WithMaxConns caps the connection pool size. Values below 1 keep the pgx default.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// WithApplicationName sets application_name on every connection.
func WithApplicationName(name string) Option {
	return func(o *options) { o.applicationName = name }
}

// New creates a new DB by parsing the given database URL and establishing a connection pool.
func New(ctx context.Context, databaseURL string, opts ...Option) (*DB, error) {
	o := options{applicationName: defaultApplicationName}
	for _, opt := range opts {
		opt(&o)
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	if o.maxConns > 0 {
		poolCfg.MaxConns = o.maxConns
	}
	if _, set := poolCfg.ConnConfig.RuntimeParams["application_name"]; !set && o.applicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = o.applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Pool returns the underlying pgxpool.Pool for repository use.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}
