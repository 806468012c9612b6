package es

// Snapshot captures a stream's materialized state at a chosen revision.
// Snapshots bound rehydration cost: opening a stream from a snapshot only
// replays commits after the snapshot's revision.
type Snapshot struct {
	// Partition is the tenancy tag of the snapshotted stream.
	Partition string

	// StreamID identifies the stream within the partition.
	StreamID string

	// Revision is the stream revision the payload corresponds to.
	Revision int

	// Payload is the opaque serialized stream state.
	Payload []byte
}

// StreamHead is the per-stream summary maintained by the persistence layer.
// It is derived state: it must always be reconstructible from the commit log.
type StreamHead struct {
	// Partition is the tenancy tag of the stream.
	Partition string

	// StreamID identifies the stream within the partition.
	StreamID string

	// HeadRevision is the revision of the latest committed event.
	HeadRevision int

	// SnapshotRevision is the revision of the latest snapshot, or zero when
	// the stream has never been snapshotted.
	SnapshotRevision int
}

// Unsnapshotted returns the number of events committed past the latest
// snapshot. Streams with a large lag are snapshot candidates.
func (h StreamHead) Unsnapshotted() int {
	return h.HeadRevision - h.SnapshotRevision
}
