package es

import "time"

// Metrics is a minimal hook surface for operational observations.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// ObserveCommit records a successful commit of eventCount events.
	ObserveCommit(partition string, eventCount int, elapsed time.Duration)

	// ConcurrencyConflict records a lost optimistic race.
	ConcurrencyConflict(partition string)

	// DuplicateCommit records an idempotent replay of a known commit.
	DuplicateCommit(partition string)

	// ObserveOpenStream records a stream open. commitCount is the commit
	// sequence the opened stream is positioned at; it equals the number of
	// commits replayed only when the read started at the stream's first commit.
	ObserveOpenStream(partition string, commitCount int, elapsed time.Duration)

	// SnapshotAdded records a stored snapshot.
	SnapshotAdded(partition string)

	// CommitsDispatched records commits handed to downstream observers.
	CommitsDispatched(partition string, count int)
}

// NopMetrics is used when no metrics implementation is provided.
type NopMetrics struct{}

// ObserveCommit implements Metrics.
func (NopMetrics) ObserveCommit(string, int, time.Duration) {}

// ConcurrencyConflict implements Metrics.
func (NopMetrics) ConcurrencyConflict(string) {}

// DuplicateCommit implements Metrics.
func (NopMetrics) DuplicateCommit(string) {}

// ObserveOpenStream implements Metrics.
func (NopMetrics) ObserveOpenStream(string, int, time.Duration) {}

// SnapshotAdded implements Metrics.
func (NopMetrics) SnapshotAdded(string) {}

// CommitsDispatched implements Metrics.
func (NopMetrics) CommitsDispatched(string, int) {}
