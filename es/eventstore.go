package es

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Option configures an EventStore.
type Option func(*EventStore)

// WithHooks installs the pipeline hook chain. Hooks run in the given order
// on both reads and writes; the chain is fixed for the facade's lifetime.
func WithHooks(hooks ...PipelineHook) Option {
	return func(s *EventStore) {
		s.hooks = hooks
	}
}

// WithLogger sets a logger for the facade.
func WithLogger(logger Logger) Option {
	return func(s *EventStore) {
		s.logger = logger
	}
}

// WithMetrics sets a metrics implementation for the facade.
func WithMetrics(metrics Metrics) Option {
	return func(s *EventStore) {
		s.metrics = metrics
	}
}

// EventStore is the facade in front of a persistence backend: a factory
// for streams and the central commit path running the pipeline hook chain.
//
// The facade is safe for concurrent use. Closing it releases the backend
// and every hook exactly once; subsequent operations fail with ErrClosed.
type EventStore struct {
	store   Store
	hooks   []PipelineHook
	logger  Logger
	metrics Metrics
	closed  atomic.Bool
}

// NewEventStore wraps a persistence backend.
func NewEventStore(store Store, opts ...Option) *EventStore {
	s := &EventStore{
		store:   store,
		logger:  NoOpLogger{},
		metrics: NopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Advanced exposes the raw persistence operations for administrative code.
// Reads through Advanced bypass the hook chain.
func (s *EventStore) Advanced() Store { return s.store }

// CreateStream returns an empty stream positioned at revision 0, sequence 0.
// Nothing is persisted until the stream commits.
func (s *EventStore) CreateStream(streamID string) *Stream {
	return newStream(s, streamID)
}

// OpenStream reconstitutes a stream from the commits whose events lie in
// [minRevision, maxRevision]. A maxRevision <= 0 means unbounded. Opening
// at a positive minRevision when no commits match fails with
// ErrStreamNotFound; minRevision 0 yields an empty stream instead.
func (s *EventStore) OpenStream(ctx context.Context, streamID string, minRevision, maxRevision int) (*Stream, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()

	stream := newStream(s, streamID)
	cur, err := s.readStream(ctx, streamID, minRevision, maxRevision)
	if err != nil {
		return nil, err
	}
	if err := stream.populate(cur, minRevision, maxRevision); err != nil {
		return nil, err
	}
	if stream.sequence == 0 && minRevision > 0 {
		return nil, ErrStreamNotFound
	}

	s.metrics.ObserveOpenStream(s.store.Partition(), stream.sequence, time.Since(start))
	return stream, nil
}

// OpenStreamFromSnapshot reconstitutes a stream starting at the snapshot's
// revision, replaying only the commits after it up to maxRevision. The
// caller applies the snapshot payload itself; the stream holds the events
// committed past the snapshot.
func (s *EventStore) OpenStreamFromSnapshot(ctx context.Context, snapshot *Snapshot, maxRevision int) (*Stream, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()

	stream := newStream(s, snapshot.StreamID)
	cur, err := s.readStream(ctx, snapshot.StreamID, snapshot.Revision+1, maxRevision)
	if err != nil {
		return nil, err
	}
	if err := stream.populate(cur, snapshot.Revision+1, maxRevision); err != nil {
		return nil, err
	}
	if stream.revision < snapshot.Revision {
		stream.revision = snapshot.Revision
	}
	if stream.sequence == 0 {
		// No commits past the snapshot: recover the commit sequence from
		// the commit containing the snapshot revision, so the next commit
		// attempt is built with the correct sequence.
		if err := s.recoverSequence(ctx, stream, snapshot.Revision); err != nil {
			return nil, err
		}
	}

	s.metrics.ObserveOpenStream(s.store.Partition(), stream.sequence, time.Since(start))
	return stream, nil
}

func (s *EventStore) recoverSequence(ctx context.Context, stream *Stream, revision int) error {
	cur, err := s.readStream(ctx, stream.streamID, revision, revision)
	if err != nil {
		return err
	}
	defer cur.Close()
	for cur.Next() {
		commit := cur.Commit()
		stream.sequence = commit.Sequence
		stream.identifiers[commit.CommitID] = struct{}{}
	}
	return cur.Err()
}

// readStream reads commits through the persistence backend and the hook
// chain's Select filter.
func (s *EventStore) readStream(ctx context.Context, streamID string, minRevision, maxRevision int) (Cursor, error) {
	cur, err := s.store.ReadStream(ctx, streamID, minRevision, maxRevision)
	if err != nil {
		return nil, err
	}
	return newSelectCursor(cur, s.hooks), nil
}

// Commit is the central write path: it validates the attempt, runs the
// pre-commit hooks, persists, and runs the post-commit hooks.
//
// Attempts that fail structural validation or carry no events are dropped
// silently and logged at debug level; they are programmer errors surfaced
// through logs, not runtime errors. Persistence failures propagate
// unchanged: ErrConcurrency, ErrDuplicateCommit, ErrStorageUnavailable,
// ErrStorage.
func (s *EventStore) Commit(ctx context.Context, attempt *Commit) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if attempt == nil || len(attempt.Events) == 0 {
		s.logger.Debug(ctx, "commit attempt dropped: no events")
		return nil
	}
	if err := attempt.Validate(); err != nil {
		s.logger.Debug(ctx, "commit attempt dropped: failed validation",
			"stream_id", attempt.StreamID,
			"commit_id", attempt.CommitID,
			"sequence", attempt.Sequence,
			"revision", attempt.Revision)
		return nil
	}

	for _, hook := range s.hooks {
		if !hook.PreCommit(attempt) {
			s.logger.Debug(ctx, "commit attempt vetoed by pipeline hook",
				"stream_id", attempt.StreamID,
				"commit_id", attempt.CommitID)
			return nil
		}
	}

	start := time.Now()
	if err := s.store.Commit(ctx, attempt); err != nil {
		switch {
		case errors.Is(err, ErrConcurrency):
			s.metrics.ConcurrencyConflict(s.store.Partition())
		case errors.Is(err, ErrDuplicateCommit):
			s.metrics.DuplicateCommit(s.store.Partition())
		}
		return err
	}
	s.metrics.ObserveCommit(s.store.Partition(), len(attempt.Events), time.Since(start))
	s.logger.Info(ctx, "commit persisted",
		"stream_id", attempt.StreamID,
		"commit_id", attempt.CommitID,
		"sequence", attempt.Sequence,
		"revision", attempt.Revision,
		"events", len(attempt.Events))

	for _, hook := range s.hooks {
		hook.PostCommit(attempt)
	}
	return nil
}

// AddSnapshot stores a snapshot through the persistence backend and
// advances the stream head's snapshot revision. Like the underlying
// operation it never fails hard: the boolean reports success and the
// cause is logged by the backend.
func (s *EventStore) AddSnapshot(ctx context.Context, snapshot *Snapshot) bool {
	if s.closed.Load() {
		return false
	}
	if !s.store.AddSnapshot(ctx, snapshot) {
		return false
	}
	s.metrics.SnapshotAdded(s.store.Partition())
	s.logger.Debug(ctx, "snapshot stored",
		"stream_id", snapshot.StreamID,
		"stream_revision", snapshot.Revision)
	return true
}

// Close releases the persistence backend and all hooks exactly once.
func (s *EventStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	errs := []error{s.store.Close()}
	for _, hook := range s.hooks {
		errs = append(errs, hook.Close())
	}
	return errors.Join(errs...)
}
