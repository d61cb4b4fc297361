package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtgz/chai/internal/config"
	"github.com/xtgz/chai/internal/ingestion"
	"github.com/xtgz/chai/internal/metrics"
	"github.com/xtgz/chai/internal/notify"
	"github.com/xtgz/chai/internal/registry"
	"github.com/xtgz/chai/internal/snapshot"
	"github.com/xtgz/chai/internal/storage"
)

const (
	defaultFrequencyHours = 24
	defaultDataDir        = "data"
)

// ErrInvalidFrequency indicates a non-positive FREQUENCY.
var ErrInvalidFrequency = errors.New("frequency must be a positive number of hours")

// runConfig holds the load settings shared by every package manager.
type runConfig struct {
	TestMode            bool
	Fetch               bool
	BatchSize           int
	FrequencyHours      int
	DataDir             string
	MaxBatchesPerSecond float64
}

// loadRunConfig reads TEST, FETCH, BATCH_SIZE, FREQUENCY, DATA_DIR and
// LOAD_MAX_BATCHES_PER_SECOND.
func loadRunConfig() *runConfig {
	return &runConfig{
		TestMode:            config.GetEnvBool("TEST", false),
		Fetch:               config.GetEnvBool("FETCH", true),
		BatchSize:           config.GetEnvInt("BATCH_SIZE", ingestion.DefaultBatchSize),
		FrequencyHours:      config.GetEnvInt("FREQUENCY", defaultFrequencyHours),
		DataDir:             config.GetEnvStr("DATA_DIR", defaultDataDir),
		MaxBatchesPerSecond: config.GetEnvFloat64("LOAD_MAX_BATCHES_PER_SECOND", 0),
	}
}

func (c *runConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ingestion.ErrInvalidBatchSize, c.BatchSize)
	}

	if c.FrequencyHours <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFrequency, c.FrequencyHours)
	}

	return nil
}

// app holds everything a load needs. It is built once per process and shared
// by every package manager's job; each job gets its own Loader and caches.
type app struct {
	cfg      *runConfig
	logger   *slog.Logger
	registry *registry.Registry
	layout   snapshot.Layout
	fetcher  *snapshot.Fetcher
	conn     *storage.Connection
	store    *storage.RegistryStore
	recorder ingestion.Recorder
	notifier *notify.KafkaNotifier
}

// newApp connects to the database and builds the shared collaborators.
// Failures here are fatal for the process.
func newApp(ctx context.Context, logger *slog.Logger, reg prometheus.Registerer) (*app, error) {
	cfg := loadRunConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	overrides, err := registry.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry.Default().WithOverrides(overrides, logger),
		layout:   snapshot.Layout{Root: cfg.DataDir},
		recorder: metrics.NewRecorder(reg),
	}

	openers := map[string]snapshot.Opener{}

	s3Opener, err := snapshot.NewS3Opener(ctx, snapshot.LoadS3Config())
	if err != nil {
		logger.Warn("S3 sources disabled", slog.String("error", err.Error()))
	} else {
		openers["s3"] = s3Opener
	}

	a.fetcher = snapshot.NewFetcher(a.layout, logger, openers)

	storageConfig := storage.LoadConfig()

	a.conn, err = storage.NewConnection(storageConfig)
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to database", slog.String("database_url", storageConfig.MaskDatabaseURL()))

	a.store, err = storage.NewRegistryStore(a.conn, storage.WithLogger(logger))
	if err != nil {
		_ = a.conn.Close()

		return nil, err
	}

	notifyConfig := notify.LoadConfig()
	if notifyConfig.Enabled() {
		a.notifier, err = notify.NewKafkaNotifier(notifyConfig, logger)
		if err != nil {
			_ = a.conn.Close()

			return nil, err
		}
	}

	logger.Info("Loaded run configuration",
		slog.Bool("test_mode", cfg.TestMode),
		slog.Bool("fetch", cfg.Fetch),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("frequency_hours", cfg.FrequencyHours),
		slog.String("data_dir", cfg.DataDir),
		slog.Float64("max_batches_per_second", cfg.MaxBatchesPerSecond),
		slog.Bool("notifications", notifyConfig.Enabled()),
	)

	return a, nil
}

// load runs one full pass for a package manager: fetch (or reuse) the
// snapshot, then the pipeline.
func (a *app) load(ctx context.Context, pm string) (*ingestion.RunReport, error) {
	entry, err := a.registry.Lookup(pm)
	if err != nil {
		return nil, err
	}

	snap, err := a.snapshot(ctx, entry)
	if err != nil {
		return nil, err
	}

	opts := ingestion.Options{
		BatchSize:           a.cfg.BatchSize,
		TestMode:            a.cfg.TestMode,
		MaxBatchesPerSecond: a.cfg.MaxBatchesPerSecond,
		Logger:              a.logger,
		Recorder:            a.recorder,
	}

	if a.notifier != nil {
		opts.Notifier = a.notifier
	}

	loader, err := ingestion.NewLoader(a.store, pm, entry.Adapter(snap, a.logger), opts)
	if err != nil {
		return nil, err
	}

	return loader.Run(ctx)
}

func (a *app) snapshot(ctx context.Context, entry registry.Entry) (*snapshot.Snapshot, error) {
	if !a.cfg.Fetch {
		a.logger.Info("Reusing latest snapshot", slog.String("package_manager", entry.Name))

		return a.layout.Latest(entry.Name)
	}

	return a.fetcher.Fetch(ctx, entry.Name, entry.SourceURL)
}

func (a *app) Close() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Error("Failed to close notifier", slog.String("error", err.Error()))
		}
	}

	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Error("Failed to close database connection", slog.String("error", err.Error()))
		}
	}
}
