package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/xtgz/chai/internal/config"
	"github.com/xtgz/chai/internal/migrate"
	"github.com/xtgz/chai/internal/storage"
)

var errDropNotConfirmed = errors.New("refusing to drop all tables without --yes")

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply or roll back the schema migrations compiled into chai.

Uses CHAI_DATABASE_URL. Applied versions are tracked in CHAI_MIGRATION_TABLE
(default: schema_migrations).`,
	}

	var yes bool

	drop := &cobra.Command{
		Use:   "drop",
		Short: "Drop every table (destructive)",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if !yes {
				return errDropNotConfirmed
			}

			return withRunner(func(r *migrate.Runner) error { return r.Drop() })
		},
	}
	drop.Flags().BoolVar(&yes, "yes", false, "confirm dropping all tables")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return withRunner(func(r *migrate.Runner) error { return r.Up() })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return withRunner(func(r *migrate.Runner) error { return r.Down() })
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the applied schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRunner(func(r *migrate.Runner) error {
					st, err := r.Status()
					if err != nil {
						return err
					}

					state := "clean"
					if st.Dirty {
						state = "dirty (needs manual intervention)"
					}

					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema version %03d (%s), binary supports %03d, %d pending\n",
						st.Version, state, st.Latest, st.Pending())

					return nil
				})
			},
		},
		drop,
	)

	return cmd
}

func withRunner(fn func(*migrate.Runner) error) error {
	logger := config.NewLogger()

	conn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))

		return err
	}

	runner, err := migrate.NewRunner(conn.DB, migrate.Table(), logger)
	if err != nil {
		_ = conn.Close()

		return err
	}

	defer func() {
		if err := runner.Close(); err != nil {
			logger.Warn("Failed to close migration runner", slog.String("error", err.Error()))
		}
	}()

	if err := fn(runner); err != nil {
		logger.Error("Migration failed", slog.String("error", err.Error()))

		return err
	}

	return nil
}
