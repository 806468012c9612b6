// Package es provides core event sourcing persistence types and interfaces.
package es

import (
	"time"

	"github.com/google/uuid"
)

// DefaultPartition is the partition used when none is configured.
// It is not special in any way beyond being the default.
const DefaultPartition = "default"

// EventMessage is a single event carried by a commit.
// The body is an opaque serialized payload; the library never inspects it.
type EventMessage struct {
	// Headers contains per-event metadata.
	Headers map[string]string `json:"headers,omitempty"`

	// Body contains the event data.
	// Stored as raw bytes for flexibility - allows any serialization format.
	Body []byte `json:"body"`
}

// Commit is an atomically persisted batch of events appended to a stream.
//
// A commit is a value object: once accepted by a Store it must be treated
// as immutable, with the single exception of the Dispatched flag, which the
// store flips from false to true via MarkDispatched.
type Commit struct {
	// Partition is the tenancy tag isolating this commit's stream.
	Partition string

	// StreamID identifies the stream within the partition.
	StreamID string

	// CommitID is the globally unique identifier of this commit.
	// It is the idempotence key: re-submitting an attempt with the same
	// CommitID yields ErrDuplicateCommit rather than a second record.
	CommitID uuid.UUID

	// Sequence is the ordinal of this commit within its stream (1-based,
	// dense: commits of a stream form 1, 2, ..., N with no gaps).
	Sequence int

	// Revision is the stream revision of the last event in this commit.
	Revision int

	// Stamp is the UTC instant the commit was constructed.
	Stamp time.Time

	// Headers contains commit-level metadata.
	Headers map[string]string

	// Events is the ordered, non-empty batch of events.
	Events []EventMessage

	// Dispatched reports whether downstream observers have been notified.
	// Persisted as false; flipped by Store.MarkDispatched.
	Dispatched bool
}

// StartRevision returns the stream revision of the first event in the commit.
func (c *Commit) StartRevision() int {
	return c.Revision - len(c.Events) + 1
}

// Equal reports commit identity. Commits are equal when their CommitIDs are.
func (c *Commit) Equal(other *Commit) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.CommitID == other.CommitID
}

// Validate checks the structural invariants of a commit attempt.
// It does not inspect event payloads and does not consider an empty event
// batch invalid; emptiness is handled separately by the commit path.
func (c *Commit) Validate() error {
	switch {
	case c.StreamID == "":
		return ErrInvalidCommit
	case c.CommitID == uuid.Nil:
		return ErrInvalidCommit
	case c.Sequence <= 0:
		return ErrInvalidCommit
	case c.Revision <= 0:
		return ErrInvalidCommit
	case c.Revision < c.Sequence:
		return ErrInvalidCommit
	}
	return nil
}
