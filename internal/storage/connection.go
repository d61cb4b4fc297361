// Package storage implements the PostgreSQL side of the registry loader: the
// pooled connection and the conflict-free batch writer behind ingestion.Store.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const healthCheckTimeout = 5 * time.Second

// ErrNoDatabaseConnection is returned when a store is built without a connection.
var ErrNoDatabaseConnection = errors.New("no database connection")

// Connection wraps a pooled *sql.DB configured from Config.
type Connection struct {
	*sql.DB
}

// NewConnection opens and pings a PostgreSQL connection pool.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.MaskDatabaseURL(), err)
	}

	return &Connection{DB: db}, nil
}

// HealthCheck pings the database with a bounded timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}
