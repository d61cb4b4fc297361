package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/xtgz/chai/internal/config"
)

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <package-manager>",
		Short: "Load one package manager once",
		Long: `Fetch the package manager's dump (unless FETCH=false) and load it.

Exits 0 once the load history row is written. Any fatal error (missing
configuration, unreachable database, missing source file, unknown package
manager) exits 1 and writes no load history.`,
		Example: `  # Load crates.io
  CHAI_DATABASE_URL=postgres://localhost/chai chai load crates

  # Reuse the snapshot already on disk, skipping heavy stages
  FETCH=false TEST=true chai load crates`,
		Args: cobra.ExactArgs(1),
		RunE: runLoad,
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := config.NewLogger()
	pm := args[0]

	logger.Info("Starting chai load",
		slog.String("version", version),
		slog.String("package_manager", pm))

	a, err := newApp(ctx, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("Failed to initialize", slog.String("error", err.Error()))

		return err
	}
	defer a.Close()

	report, err := a.load(ctx, pm)
	if err != nil {
		logger.Error("Load failed",
			slog.String("package_manager", pm),
			slog.String("error", err.Error()))

		return err
	}

	totals := report.Totals()

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: read %d, written %d, conflicted %d, dropped %d in %s\n",
		pm, totals.Read, totals.Written, totals.Conflicted, totals.Dropped, report.Duration().Round(time.Millisecond))

	return nil
}
