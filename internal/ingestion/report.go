package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// Run outcomes reported to the Recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

type (
	// StageReport summarises one loading stage.
	StageReport struct {
		Stage  Stage      `json:"stage"`
		Entity EntityKind `json:"entity"`

		Read       int64 `json:"read"`
		Written    int64 `json:"written"`
		Conflicted int64 `json:"conflicted"`
		Dropped    int64 `json:"dropped"`
		// Malformed counts fields blanked by MalformedNumericField; the rows
		// carrying them were kept.
		Malformed int64 `json:"malformed"`

		Batches  int           `json:"batches"`
		Resolver ResolverStats `json:"resolver"`

		DropsByReason map[DropReason]int64 `json:"drops_by_reason,omitempty"`
		Duration      time.Duration        `json:"duration"`
	}

	// RunReport summarises one load run. A report with a zero LoadHistoryID
	// belongs to a run that did not complete.
	RunReport struct {
		PackageManager   string        `json:"package_manager"`
		PackageManagerID uuid.UUID     `json:"package_manager_id"`
		LoadHistoryID    uuid.UUID     `json:"load_history_id"`
		TestMode         bool          `json:"test_mode"`
		StartedAt        time.Time     `json:"started_at"`
		FinishedAt       time.Time     `json:"finished_at"`
		Stages           []StageReport `json:"stages"`
	}
)

func (s *StageReport) countDiagnostic(d Diagnostic) {
	if !d.Reason.Drops() {
		s.Malformed++

		return
	}

	s.Dropped++

	if s.DropsByReason == nil {
		s.DropsByReason = make(map[DropReason]int64)
	}

	s.DropsByReason[d.Reason]++
}

// Completed reports whether the run wrote its load history row.
func (r *RunReport) Completed() bool {
	return r.LoadHistoryID != uuid.Nil
}

// Duration is the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Stage returns the report of the named stage, if it ran.
func (r *RunReport) Stage(s Stage) (StageReport, bool) {
	for _, sr := range r.Stages {
		if sr.Stage == s {
			return sr, true
		}
	}

	return StageReport{}, false
}

// Totals sums every stage.
func (r *RunReport) Totals() StageReport {
	var t StageReport

	for _, sr := range r.Stages {
		t.Read += sr.Read
		t.Written += sr.Written
		t.Conflicted += sr.Conflicted
		t.Dropped += sr.Dropped
		t.Malformed += sr.Malformed
		t.Batches += sr.Batches
		t.Resolver.Rounds += sr.Resolver.Rounds
		t.Resolver.Requested += sr.Resolver.Requested
		t.Resolver.Unresolved += sr.Resolver.Unresolved
	}

	return t
}

// Recorder receives load measurements. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	BatchCommitted(packageManager string, entity EntityKind, read, written, conflicted int)
	RecordDropped(packageManager string, d Diagnostic)
	ResolverRound(packageManager string, entity EntityKind, requested, unresolved int)
	RunFinished(packageManager, outcome string, duration time.Duration)
}

// NopRecorder discards every measurement.
type NopRecorder struct{}

func (NopRecorder) BatchCommitted(string, EntityKind, int, int, int) {}
func (NopRecorder) RecordDropped(string, Diagnostic) {}
func (NopRecorder) ResolverRound(string, EntityKind, int, int) {}
func (NopRecorder) RunFinished(string, string, time.Duration) {}
