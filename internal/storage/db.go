package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB is a pooled PostgreSQL connection used by PostgresStore.
type DB struct {
	conn *sqlx.DB
}

// DBConfig holds the connection string and pool settings.
type DBConfig struct {
	// DSN is a lib/pq connection string or postgres:// URL.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultDBConfig returns pool settings sized for a single ledger writer.
func DefaultDBConfig() DBConfig {
	return DBConfig{
		DSN: "postgres://postgres@localhost:5432/keygate?sslmode=disable",

		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// NewDB opens the pool and verifies it with a ping.
func NewDB(ctx context.Context, cfg DBConfig) (*DB, error) {
	conn, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "storage: connect to postgres")
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{conn: conn}, nil
}

// Close closes the pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Health pings the server and runs a trivial query.
func (db *DB) Health(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return errors.Wrap(err, "storage: postgres ping")
	}

	var one int
	if err := db.conn.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return errors.Wrap(err, "storage: postgres health query")
	}
	return nil
}

// Conn returns the underlying sqlx handle.
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}
