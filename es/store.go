package es

import (
	"context"
	"time"
)

// Store is the uniform persistence contract every backend implements.
//
// A Store instance is scoped to a single partition fixed at construction
// time. Two stores with different partitions over the same physical
// database must be mutually invisible across every operation below,
// including the time-ordered sweeps and Purge.
//
// Implementations must be safe for concurrent use by independent
// goroutines. Blocking operations honor the supplied context.
type Store interface {
	// Partition returns the partition this store is scoped to.
	Partition() string

	// Initialize prepares schema, indexes, or keyspaces. It is idempotent,
	// safe to call concurrently, and performs the work at most once per
	// Store instance; separate instances over the same database each
	// perform it once.
	Initialize(ctx context.Context) error

	// ReadStream returns the commits of the given stream that contain any
	// event whose revision lies in [minRevision, maxRevision], in ascending
	// revision order. A maxRevision <= 0 means unbounded. An absent stream
	// yields an empty cursor, not an error.
	ReadStream(ctx context.Context, streamID string, minRevision, maxRevision int) (Cursor, error)

	// ReadSince returns all commits in the partition with a stamp at or
	// after start, ordered by stamp ascending, ties broken by insertion
	// order.
	ReadSince(ctx context.Context, start time.Time) (Cursor, error)

	// ReadBetween returns all commits in the partition with
	// start <= stamp < end, ordered as in ReadSince.
	ReadBetween(ctx context.Context, start, end time.Time) (Cursor, error)

	// Commit atomically persists the attempt with Dispatched set to false
	// and updates the stream head.
	//
	// Fails with ErrDuplicateCommit when a commit with the same commit ID
	// already exists for the stream, ErrConcurrency when a different commit
	// already holds the same sequence, ErrStorageUnavailable on transient
	// backend outage, and ErrStorage on any other backend fault. Unlike
	// the facade, a structurally invalid or event-empty attempt fails with
	// ErrInvalidCommit here rather than being dropped.
	Commit(ctx context.Context, attempt *Commit) error

	// Undispatched returns the commits not yet marked dispatched, ordered
	// by stamp.
	Undispatched(ctx context.Context) (Cursor, error)

	// MarkDispatched flips the commit's dispatched flag to true.
	// Idempotent; unknown commits are ignored.
	MarkDispatched(ctx context.Context, commit *Commit) error

	// StreamsToSnapshot returns the stream heads whose unsnapshotted count
	// is at least threshold, most-lagging first.
	StreamsToSnapshot(ctx context.Context, threshold int) ([]StreamHead, error)

	// LoadSnapshot returns the highest-revision snapshot of the stream with
	// revision <= maxRevision, or nil when none exists. A maxRevision <= 0
	// means unbounded.
	LoadSnapshot(ctx context.Context, streamID string, maxRevision int) (*Snapshot, error)

	// AddSnapshot upserts the snapshot and advances the stream head's
	// snapshot revision. It never fails hard: the boolean reports success,
	// and any underlying cause is logged. Snapshotting is advisory and must
	// not corrupt the commit path.
	AddSnapshot(ctx context.Context, snapshot *Snapshot) bool

	// Purge drops all commits, snapshots, and stream heads in this
	// partition only.
	Purge(ctx context.Context) error

	// Close releases backend resources. Subsequent operations fail with
	// ErrClosed.
	Close() error
}

// MaxRevision normalizes an unbounded (<= 0) revision limit.
func MaxRevision(maxRevision int) int {
	if maxRevision <= 0 {
		return int(^uint(0) >> 1)
	}
	return maxRevision
}
