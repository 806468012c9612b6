package es

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Stream is a per-stream session: it buffers uncommitted events, tracks the
// committed cursor, and resolves optimistic concurrency conflicts against
// the persistent log by rebasing.
//
// A Stream is not safe for concurrent use. Each goroutine must open its
// own instance; the persistence layer serializes competing writers through
// the unique-sequence constraint.
type Stream struct {
	store     *EventStore
	streamID  string
	partition string

	revision int
	sequence int

	committed        []EventMessage
	committedHeaders map[string]string

	uncommitted        []EventMessage
	uncommittedHeaders map[string]string

	// identifiers tracks commit IDs observed in this session so a replayed
	// CommitChanges is rejected without a round trip.
	identifiers map[uuid.UUID]struct{}
}

func newStream(store *EventStore, streamID string) *Stream {
	return &Stream{
		store:              store,
		streamID:           streamID,
		partition:          store.store.Partition(),
		committedHeaders:   map[string]string{},
		uncommittedHeaders: map[string]string{},
		identifiers:        map[uuid.UUID]struct{}{},
	}
}

// StreamID returns the stream identifier.
func (s *Stream) StreamID() string { return s.streamID }

// Partition returns the partition the stream belongs to.
func (s *Stream) Partition() string { return s.partition }

// Revision returns the highest committed event revision observed.
func (s *Stream) Revision() int { return s.revision }

// Sequence returns the highest commit sequence observed.
func (s *Stream) Sequence() int { return s.sequence }

// CommittedEvents returns the committed history visible to this session.
// The returned slice must not be modified.
func (s *Stream) CommittedEvents() []EventMessage { return s.committed }

// CommittedHeaders returns the merged headers of the committed history.
func (s *Stream) CommittedHeaders() map[string]string { return s.committedHeaders }

// UncommittedEvents returns the pending, not yet committed events.
func (s *Stream) UncommittedEvents() []EventMessage { return s.uncommitted }

// UncommittedHeaders returns the pending commit-level headers.
func (s *Stream) UncommittedHeaders() map[string]string { return s.uncommittedHeaders }

// Append buffers an event for the next commit.
func (s *Stream) Append(event EventMessage) {
	s.uncommitted = append(s.uncommitted, event)
}

// SetHeader buffers a commit-level header for the next commit.
func (s *Stream) SetHeader(key, value string) {
	s.uncommittedHeaders[key] = value
}

// ClearChanges discards all pending events and headers.
func (s *Stream) ClearChanges() {
	s.uncommitted = nil
	s.uncommittedHeaders = map[string]string{}
}

// CommitChanges persists the pending events as a single commit identified
// by the caller-chosen commitID.
//
// With no pending events it returns immediately without effect. On success
// the pending events and headers are folded into the committed state and
// the buffers cleared. On ErrDuplicateCommit local state is left untouched:
// the commit is already recorded under this ID. On ErrConcurrency the
// stream first rebases, folding the competing commits into its committed
// state, and then surfaces the error with the pending buffers preserved,
// so the caller can inspect the fresh history and decide whether to retry.
func (s *Stream) CommitChanges(ctx context.Context, commitID uuid.UUID) error {
	if _, seen := s.identifiers[commitID]; seen {
		return ErrDuplicateCommit
	}
	if len(s.uncommitted) == 0 {
		return nil
	}

	attempt := s.buildAttempt(commitID)
	err := s.store.Commit(ctx, attempt)
	switch {
	case err == nil:
		s.applyAttempt(attempt)
		return nil
	case errors.Is(err, ErrConcurrency):
		if rbErr := s.rebase(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	default:
		return err
	}
}

func (s *Stream) buildAttempt(commitID uuid.UUID) *Commit {
	events := make([]EventMessage, len(s.uncommitted))
	copy(events, s.uncommitted)

	headers := make(map[string]string, len(s.uncommittedHeaders))
	for k, v := range s.uncommittedHeaders {
		headers[k] = v
	}

	return &Commit{
		Partition: s.partition,
		StreamID:  s.streamID,
		CommitID:  commitID,
		Sequence:  s.sequence + 1,
		Revision:  s.revision + len(events),
		Stamp:     time.Now().UTC(),
		Headers:   headers,
		Events:    events,
	}
}

func (s *Stream) applyAttempt(attempt *Commit) {
	s.committed = append(s.committed, attempt.Events...)
	for k, v := range attempt.Headers {
		s.committedHeaders[k] = v
	}
	s.revision = attempt.Revision
	s.sequence = attempt.Sequence
	s.identifiers[attempt.CommitID] = struct{}{}
	s.ClearChanges()
}

// rebase folds commits persisted by competitors into the committed state.
// Pending buffers are left intact.
func (s *Stream) rebase(ctx context.Context) error {
	cur, err := s.store.readStream(ctx, s.streamID, s.revision+1, 0)
	if err != nil {
		return err
	}
	return s.populate(cur, s.revision+1, 0)
}

// populate drains a cursor into the committed state, keeping events whose
// revision lies in [minRevision, maxRevision] and advancing the cursor
// counters from the commits themselves.
func (s *Stream) populate(cur Cursor, minRevision, maxRevision int) error {
	defer cur.Close()

	maxRevision = MaxRevision(maxRevision)
	for cur.Next() {
		commit := cur.Commit()
		s.identifiers[commit.CommitID] = struct{}{}
		s.sequence = commit.Sequence

		rev := commit.StartRevision()
		if rev > maxRevision {
			break
		}
		for k, v := range commit.Headers {
			s.committedHeaders[k] = v
		}
		for _, event := range commit.Events {
			if rev > maxRevision {
				break
			}
			if rev >= minRevision {
				s.committed = append(s.committed, event)
				s.revision = rev
			}
			rev++
		}
	}
	return cur.Err()
}
