// Package prometheus provides a Prometheus implementation of es.Metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/valeriob/eventstore/es"
)

var defaultBuckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

type metrics struct {
	commitDuration     *prometheus.HistogramVec
	eventsCommitted    *prometheus.CounterVec
	conflictsTotal     *prometheus.CounterVec
	duplicatesTotal    *prometheus.CounterVec
	openStreamDuration *prometheus.HistogramVec
	snapshotsTotal     *prometheus.CounterVec
	dispatchedTotal    *prometheus.CounterVec
}

// NewMetrics creates a Prometheus implementation of es.Metrics and
// registers its collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) es.Metrics {
	m := &metrics{
		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventstore_commit_duration_seconds",
			Help:    "Commit persistence time in seconds",
			Buckets: defaultBuckets,
		}, []string{"partition"}),

		eventsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_events_committed_total",
			Help: "Total number of events committed",
		}, []string{"partition"}),

		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_concurrency_conflicts_total",
			Help: "Total number of lost optimistic races",
		}, []string{"partition"}),

		duplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_duplicate_commits_total",
			Help: "Total number of idempotent commit replays",
		}, []string{"partition"}),

		openStreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventstore_open_stream_duration_seconds",
			Help:    "Stream open and replay time in seconds",
			Buckets: defaultBuckets,
		}, []string{"partition"}),

		snapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_snapshots_added_total",
			Help: "Total number of snapshots stored",
		}, []string{"partition"}),

		dispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_commits_dispatched_total",
			Help: "Total number of commits handed to downstream observers",
		}, []string{"partition"}),
	}

	reg.MustRegister(
		m.commitDuration,
		m.eventsCommitted,
		m.conflictsTotal,
		m.duplicatesTotal,
		m.openStreamDuration,
		m.snapshotsTotal,
		m.dispatchedTotal,
	)
	return m
}

func (m *metrics) ObserveCommit(partition string, eventCount int, elapsed time.Duration) {
	m.commitDuration.WithLabelValues(partition).Observe(elapsed.Seconds())
	m.eventsCommitted.WithLabelValues(partition).Add(float64(eventCount))
}

func (m *metrics) ConcurrencyConflict(partition string) {
	m.conflictsTotal.WithLabelValues(partition).Inc()
}

func (m *metrics) DuplicateCommit(partition string) {
	m.duplicatesTotal.WithLabelValues(partition).Inc()
}

func (m *metrics) ObserveOpenStream(partition string, _ int, elapsed time.Duration) {
	m.openStreamDuration.WithLabelValues(partition).Observe(elapsed.Seconds())
}

func (m *metrics) SnapshotAdded(partition string) {
	m.snapshotsTotal.WithLabelValues(partition).Inc()
}

func (m *metrics) CommitsDispatched(partition string, count int) {
	m.dispatchedTotal.WithLabelValues(partition).Add(float64(count))
}
