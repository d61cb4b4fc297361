package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, frequency time.Duration) *Scheduler {
	t.Helper()

	s, err := New(frequency, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	return s
}

func TestNew_InvalidFrequency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := New(0, slog.Default())
	require.ErrorIs(t, err, ErrInvalidFrequency)
}

func TestScheduler_Register(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestScheduler(t, 24*time.Hour)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register("crates", noop))
	require.ErrorIs(t, s.Register("crates", noop), ErrDuplicateJob)
	assert.Equal(t, []string{"crates"}, s.Names())
	assert.True(t, s.Next("crates").IsZero(), "not started")
}

func TestScheduler_RunNow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestScheduler(t, 24*time.Hour)

	var runs atomic.Int32

	require.NoError(t, s.Register("crates", func(context.Context) error {
		runs.Add(1)

		return nil
	}))

	require.NoError(t, s.RunNow(context.Background(), "crates"))
	require.NoError(t, s.RunNow(context.Background(), "crates"))
	assert.Equal(t, int32(2), runs.Load())

	require.ErrorIs(t, s.RunNow(context.Background(), "pypi"), ErrUnknownJob)
}

func TestScheduler_RunNowSkipsWhileRunning(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestScheduler(t, 24*time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, s.Register("crates", func(context.Context) error {
		close(started)
		<-release

		return nil
	}))

	done := make(chan error, 1)

	go func() {
		done <- s.RunNow(context.Background(), "crates")
	}()

	<-started
	require.ErrorIs(t, s.RunNow(context.Background(), "crates"), ErrJobRunning)

	close(release)
	require.NoError(t, <-done)
}

func TestScheduler_RunAllNow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestScheduler(t, 24*time.Hour)
	boom := errors.New("boom")

	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		ran      atomic.Int32
	)

	job := func(fail bool) JobFunc {
		return func(context.Context) error {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)

			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(50 * time.Millisecond)
			ran.Add(1)

			if fail {
				return boom
			}

			return nil
		}
	}

	require.NoError(t, s.Register("crates", job(false)))
	require.NoError(t, s.Register("homebrew", job(true)))
	require.NoError(t, s.Register("debian", job(false)))

	err := s.RunAllNow(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), ran.Load(), "a failing job does not stop the others")
	assert.Greater(t, peak.Load(), int32(1), "independent jobs run concurrently")
}

func TestScheduler_ScheduledRuns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestScheduler(t, time.Second)

	var (
		runs   atomic.Int32
		gotCtx atomic.Value
	)

	require.NoError(t, s.Register("crates", func(ctx context.Context) error {
		gotCtx.Store(ctx)
		runs.Add(1)

		return nil
	}))

	type key struct{}

	ctx := context.WithValue(context.Background(), key{}, "run")

	s.Start(ctx)
	assert.False(t, s.Next("crates").IsZero())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)

	<-s.Stop().Done()

	runCtx, ok := gotCtx.Load().(context.Context)
	require.True(t, ok)
	assert.Equal(t, "run", runCtx.Value(key{}), "scheduled runs use the context given to Start")
}
