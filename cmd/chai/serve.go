package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xtgz/chai/internal/api"
	"github.com/xtgz/chai/internal/config"
	"github.com/xtgz/chai/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve <package-manager>...",
		Short: "Load package managers now and then every FREQUENCY hours",
		Long: `Run an initial load of every named package manager concurrently, then
reload each one every FREQUENCY hours. A package manager never overlaps
itself; independent package managers run independently.

A status server (CHAI_SERVER_HOST, CHAI_SERVER_PORT) exposes /healthz,
/readyz, /metrics and /api/v1/loads. SIGINT or SIGTERM lets the current
batch commit, then stops.`,
		Example: `  chai serve crates`,
		Args:    cobra.MinimumNArgs(1),
		RunE:    runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := config.NewLogger()

	logger.Info("Starting chai serve",
		slog.String("version", version),
		slog.Any("package_managers", args))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, logger, reg)
	if err != nil {
		logger.Error("Failed to initialize", slog.String("error", err.Error()))

		return err
	}
	defer a.Close()

	for _, pm := range args {
		if _, err := a.registry.Lookup(pm); err != nil {
			logger.Error("Cannot serve package manager", slog.String("error", err.Error()))

			return err
		}
	}

	serverConfig := api.LoadServerConfig()
	if err := serverConfig.Validate(); err != nil {
		return err
	}

	sched, err := scheduler.New(time.Duration(a.cfg.FrequencyHours)*time.Hour, logger)
	if err != nil {
		return err
	}

	status := api.NewStatusBoard()

	for _, pm := range args {
		if err := sched.Register(pm, a.job(pm, status)); err != nil {
			return err
		}

		a.seedStatus(ctx, pm, status)
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Store:    a.conn,
		Loads:    sched,
		Status:   status,
		Gatherer: reg,
		Version:  version,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(gctx)
	})

	g.Go(func() error {
		if err := sched.RunAllNow(gctx); err != nil {
			logger.Warn("Initial load finished with errors", slog.String("error", err.Error()))
		}

		sched.Start(gctx)
		<-gctx.Done()
		<-sched.Stop().Done()

		return nil
	})

	err = g.Wait()

	logger.Info("chai serve stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// job adapts a load to the scheduler and records it on the status board.
func (a *app) job(pm string, status *api.StatusBoard) scheduler.JobFunc {
	return func(ctx context.Context) error {
		status.Started(pm)

		report, err := a.load(ctx, pm)

		status.Finished(pm, report, err)

		return err
	}
}

// seedStatus puts the last completed load of pm on the board. A failed
// lookup only costs the status page that field.
func (a *app) seedStatus(ctx context.Context, pm string, status *api.StatusBoard) {
	last, ok, err := a.store.LastLoad(ctx, pm)
	if err != nil {
		a.logger.Warn("Failed to read load history",
			slog.String("package_manager", pm),
			slog.String("error", err.Error()))

		return
	}

	if ok {
		status.Loaded(pm, last)
	}
}
