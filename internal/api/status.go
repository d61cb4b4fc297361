package api

import (
	"sort"
	"sync"
	"time"

	"github.com/xtgz/chai/internal/ingestion"
)

// LoadStatus is the last known state of one package manager's loads.
type LoadStatus struct {
	PackageManager string               `json:"package_manager"`
	Running        bool                 `json:"running"`
	LastStartedAt  *time.Time           `json:"last_started_at,omitempty"`
	LastLoadedAt   *time.Time           `json:"last_loaded_at,omitempty"`
	LastReport     *ingestion.RunReport `json:"last_report,omitempty"`
	LastError      string               `json:"last_error,omitempty"`
	NextRun        *time.Time           `json:"next_run,omitempty"`
}

// StatusBoard tracks load runs as they start and finish. It is safe for
// concurrent use by the scheduler and the HTTP handlers.
type StatusBoard struct {
	mu    sync.RWMutex
	loads map[string]*LoadStatus
	now   func() time.Time
}

// NewStatusBoard creates an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{loads: make(map[string]*LoadStatus), now: time.Now}
}

// Loaded records a completed load known from the load history, so status
// survives restarts. An older time than the one on the board is ignored.
func (b *StatusBoard) Loaded(pm string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.entry(pm)
	if st.LastLoadedAt != nil && !at.After(*st.LastLoadedAt) {
		return
	}

	at = at.UTC()
	st.LastLoadedAt = &at
}

// Started marks a load as running.
func (b *StatusBoard) Started(pm string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.entry(pm)
	started := b.now().UTC()
	st.Running = true
	st.LastStartedAt = &started
}

// Finished records the outcome of a load. report may be nil when the run
// failed before producing one.
func (b *StatusBoard) Finished(pm string, report *ingestion.RunReport, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.entry(pm)
	st.Running = false

	if report != nil {
		st.LastReport = report

		if err == nil {
			loaded := report.FinishedAt.UTC()
			st.LastLoadedAt = &loaded
		}
	}

	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
}

// Running reports whether a load of pm is in progress.
func (b *StatusBoard) Running(pm string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.loads[pm]

	return ok && st.Running
}

// Get returns a copy of the status of pm.
func (b *StatusBoard) Get(pm string) (LoadStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.loads[pm]
	if !ok {
		return LoadStatus{PackageManager: pm}, false
	}

	return *st, true
}

// All returns a copy of every tracked status ordered by package manager.
func (b *StatusBoard) All() []LoadStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]LoadStatus, 0, len(b.loads))
	for _, st := range b.loads {
		out = append(out, *st)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PackageManager < out[j].PackageManager })

	return out
}

func (b *StatusBoard) entry(pm string) *LoadStatus {
	st, ok := b.loads[pm]
	if !ok {
		st = &LoadStatus{PackageManager: pm}
		b.loads[pm] = st
	}

	return st
}
