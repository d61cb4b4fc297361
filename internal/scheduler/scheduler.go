// Package scheduler runs load jobs for each package manager on a fixed
// interval and on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidFrequency is returned for a non-positive run interval.
	ErrInvalidFrequency = errors.New("frequency must be positive")
	// ErrDuplicateJob is returned when a package manager is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
	// ErrUnknownJob is returned by RunNow for an unregistered package manager.
	ErrUnknownJob = errors.New("no job registered")
	// ErrJobRunning is returned by RunNow while the same job is still running.
	ErrJobRunning = errors.New("job already running")
)

// JobFunc loads one package manager.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	run     JobFunc
	running sync.Mutex
	entry   cron.EntryID
}

// Scheduler runs every registered job once per frequency. A job never
// overlaps itself: a tick or RunNow that finds it still running is skipped.
// Different jobs run independently of each other.
type Scheduler struct {
	cron      *cron.Cron
	frequency time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context //nolint:containedctx // base context of scheduled runs, set by Start
}

// New creates a scheduler firing every frequency.
func New(frequency time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if frequency <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFrequency, frequency)
	}

	return &Scheduler{
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger{logger}))),
		frequency: frequency,
		logger:    logger,
		jobs:      make(map[string]*job),
		ctx:       context.Background(),
	}, nil
}

// Register adds the job for a package manager.
func (s *Scheduler) Register(name string, run JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	j := &job{name: name, run: run}

	schedule := "@every " + s.frequency.String()

	entry, err := s.cron.AddFunc(schedule, func() {
		if err := s.execute(s.baseContext(), j); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Error("Scheduled load failed",
				slog.String("package_manager", name),
				slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}

	j.entry = entry
	s.jobs[name] = j

	s.logger.Info("Load scheduled",
		slog.String("package_manager", name),
		slog.String("schedule", schedule))

	return nil
}

// Start begins firing scheduled runs. Scheduled runs use ctx, so cancelling
// it stops them at their next batch boundary.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", slog.Duration("frequency", s.frequency))
}

// Stop halts the timer. The returned context is done once running jobs
// have returned.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.logger.Info("Scheduler stopped")

	return done
}

// RunNow runs a job immediately, regardless of schedule, and waits for it.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	return s.execute(ctx, j)
}

// RunAllNow runs every registered job concurrently and waits for all of
// them. One job failing does not stop the others; the failures are joined.
func (s *Scheduler) RunAllNow(ctx context.Context) error {
	names := s.Names()
	errs := make([]error, len(names))

	var g errgroup.Group

	for i, name := range names {
		g.Go(func() error {
			errs[i] = s.RunNow(ctx, name)

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}

// Names returns the registered package managers.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}

	return names
}

// Next returns the next scheduled run of a job, zero when the scheduler has
// not been started.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return time.Time{}
	}

	return s.cron.Entry(j.entry).Next
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	if !j.running.TryLock() {
		s.logger.Warn("Load still running, skipping", slog.String("package_manager", j.name))

		return fmt.Errorf("%w: %s", ErrJobRunning, j.name)
	}
	defer j.running.Unlock()

	start := time.Now()

	s.logger.Info("Load started", slog.String("package_manager", j.name))

	if err := j.run(ctx); err != nil {
		return err
	}

	s.logger.Info("Load finished",
		slog.String("package_manager", j.name),
		slog.Duration("duration", time.Since(start)))

	return nil
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ctx
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
