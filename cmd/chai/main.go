// Package main provides chai, the package-registry snapshot loader.
//
// chai fetches a package manager's data dump and loads it into PostgreSQL,
// either once (chai load) or on a schedule with a status server alongside
// (chai serve).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "chai"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   name,
		Short: "Load package-registry snapshots into PostgreSQL",
		Long: `chai turns a package manager's data dump into rows of the chai schema:
packages, versions, dependencies, users, URLs and their associations.

Loads are idempotent. Re-running against the same snapshot writes no new
rows, and records whose references cannot be resolved are dropped and
reported without aborting the run.

Configuration is read from the environment (CHAI_DATABASE_URL, TEST, FETCH,
BATCH_SIZE, FREQUENCY, DATA_DIR, ...).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetVersionTemplate(name + " v{{.Version}}\n")
	root.AddCommand(newLoadCmd(), newServeCmd(), newMigrateCmd())

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}
