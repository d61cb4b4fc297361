// Package migrate applies the embedded chai schema migrations with
// golang-migrate.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/xtgz/chai/internal/config"
	"github.com/xtgz/chai/migrations"
)

// DefaultTable tracks applied migrations.
const DefaultTable = "schema_migrations"

// ErrMigrationFailed wraps any failure reported by golang-migrate.
var ErrMigrationFailed = errors.New("migration failed")

// Status describes the schema version of a database relative to the
// migrations compiled into this binary.
type Status struct {
	Version uint
	Dirty   bool
	Latest  uint
}

// Pending returns the number of embedded migrations not yet applied.
func (s Status) Pending() uint {
	if s.Version >= s.Latest {
		return 0
	}

	return s.Latest - s.Version
}

// Runner applies migrations to one database.
type Runner struct {
	migrate *migrate.Migrate
	logger  *slog.Logger
	latest  uint
}

// Table returns the migration table name from CHAI_MIGRATION_TABLE.
func Table() string {
	return config.GetEnvStr("CHAI_MIGRATION_TABLE", DefaultTable)
}

// NewRunner validates the embedded migrations and prepares a runner on db.
// The runner owns db from then on: Close closes it.
func NewRunner(db *sql.DB, table string, logger *slog.Logger) (*Runner, error) {
	if err := migrations.Validate(migrations.FS); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = migrateLogger{logger}

	return &Runner{
		migrate: m,
		logger:  logger,
		latest:  uint(migrations.Latest(migrations.FS)), //nolint:gosec // sequence numbers are three digits
	}, nil
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: up: %w", ErrMigrationFailed, err)
	}

	r.logger.Info("All migrations applied", slog.Uint64("version", uint64(r.latest)))

	return nil
}

// Down rolls back the last applied migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: down: %w", ErrMigrationFailed, err)
	}

	r.logger.Info("Last migration rolled back")

	return nil
}

// Status reports the applied version. A database with no migrations
// applied has version 0.
func (r *Runner) Status() (Status, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: r.latest}, nil
	}

	if err != nil {
		return Status{}, fmt.Errorf("%w: version: %w", ErrMigrationFailed, err)
	}

	return Status{Version: version, Dirty: dirty, Latest: r.latest}, nil
}

// Drop drops every table in the database, including the migration table.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("%w: drop: %w", ErrMigrationFailed, err)
	}

	return nil
}

// Close releases the migration source and the database.
func (r *Runner) Close() error {
	sourceErr, dbErr := r.migrate.Close()

	return errors.Join(sourceErr, dbErr)
}

// migrateLogger adapts slog to migrate.Logger.
type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l migrateLogger) Verbose() bool {
	return false
}
