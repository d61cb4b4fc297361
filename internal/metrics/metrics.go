// Package metrics exports load measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtgz/chai/internal/ingestion"
)

const namespace = "chai"

// Recorder implements ingestion.Recorder on Prometheus collectors.
type Recorder struct {
	records        *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	batches        *prometheus.CounterVec
	resolverRounds *prometheus.CounterVec
	resolverKeys   *prometheus.CounterVec
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	lastSuccess    *prometheus.GaugeVec
}

var _ ingestion.Recorder = (*Recorder)(nil)

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records processed, by outcome: read, written or conflicted.",
		}, []string{"package_manager", "entity", "outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Row builder diagnostics. Reasons other than malformed_numeric_field dropped the record.",
		}, []string{"package_manager", "entity", "reason"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches committed.",
		}, []string{"package_manager", "entity"}),
		resolverRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_rounds_total",
			Help:      "Identifier fetches issued against the store.",
		}, []string{"package_manager", "entity"}),
		resolverKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_keys_total",
			Help:      "Keys fetched from the store, by result: requested or unresolved.",
		}, []string{"package_manager", "entity", "result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Load runs, by outcome.",
		}, []string{"package_manager", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of load runs.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 10), //nolint:mnd // 30s .. ~4h
		}, []string{"package_manager", "outcome"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}, []string{"package_manager"}),
	}

	reg.MustRegister(
		r.records, r.dropped, r.batches, r.resolverRounds, r.resolverKeys,
		r.runs, r.runDuration, r.lastSuccess,
	)

	return r
}

// BatchCommitted implements ingestion.Recorder.
func (r *Recorder) BatchCommitted(pm string, entity ingestion.EntityKind, read, written, conflicted int) {
	e := string(entity)

	r.records.WithLabelValues(pm, e, "read").Add(float64(read))
	r.records.WithLabelValues(pm, e, "written").Add(float64(written))
	r.records.WithLabelValues(pm, e, "conflicted").Add(float64(conflicted))
	r.batches.WithLabelValues(pm, e).Inc()
}

// RecordDropped implements ingestion.Recorder.
func (r *Recorder) RecordDropped(pm string, d ingestion.Diagnostic) {
	r.dropped.WithLabelValues(pm, string(d.Entity), string(d.Reason)).Inc()
}

// ResolverRound implements ingestion.Recorder.
func (r *Recorder) ResolverRound(pm string, entity ingestion.EntityKind, requested, unresolved int) {
	e := string(entity)

	r.resolverRounds.WithLabelValues(pm, e).Inc()
	r.resolverKeys.WithLabelValues(pm, e, "requested").Add(float64(requested))
	r.resolverKeys.WithLabelValues(pm, e, "unresolved").Add(float64(unresolved))
}

// RunFinished implements ingestion.Recorder.
func (r *Recorder) RunFinished(pm, outcome string, duration time.Duration) {
	r.runs.WithLabelValues(pm, outcome).Inc()
	r.runDuration.WithLabelValues(pm, outcome).Observe(duration.Seconds())

	if outcome == ingestion.OutcomeSuccess {
		r.lastSuccess.WithLabelValues(pm).SetToCurrentTime()
	}
}
