// Package pebble provides a Pebble-backed key-value event store.
//
// Commits, indexes, snapshots, and stream heads share one keyspace with
// big-endian-ordered segments, so every read is a bounded iterator scan.
// Stream heads are maintained by a background tracker consuming an
// in-memory queue; they are derived state and converge with the commit
// log. Key segments (partition and stream ids) must not contain NUL
// bytes. At most one writing Store may be open per database and
// partition.
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/valeriob/eventstore/es"
)

// StoreConfig contains configuration for the Pebble event store.
type StoreConfig struct {
	// Partition scopes every operation of the store. Empty means
	// es.DefaultPartition.
	Partition string

	// Logger is an optional logger for observability.
	Logger es.Logger

	// Sync requests a WAL fsync on each committed batch. Disable to trade
	// durability latency for throughput.
	Sync bool
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Partition: es.DefaultPartition,
		Sync:      true,
	}
}

// Store is a Pebble implementation of es.Store.
type Store struct {
	db     *pebble.DB
	ownsDB bool
	config StoreConfig

	initOnce sync.Once
	initErr  error

	mu  sync.Mutex // serializes the commit path
	ord uint64     // insertion ordinal, persisted in partition metadata

	headMu  sync.Mutex // serializes stream-head writes
	tracker *headTracker

	closed atomic.Bool
}

var _ es.Store = (*Store)(nil)

// Open creates or opens a Pebble database at path and wraps it in a store.
// The database is closed together with the store.
func Open(path string, config StoreConfig) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble: %v", es.ErrStorage, err)
	}
	s := NewStore(db, config)
	s.ownsDB = true
	return s, nil
}

// NewStore wraps an existing Pebble database. The caller keeps ownership
// of the database; stores for different partitions may share it.
func NewStore(db *pebble.DB, config StoreConfig) *Store {
	if config.Partition == "" {
		config.Partition = es.DefaultPartition
	}
	if config.Logger == nil {
		config.Logger = es.NoOpLogger{}
	}
	s := &Store{db: db, config: config}
	s.tracker = newHeadTracker(s.applyHeadUpdate, config.Logger)
	return s
}

// Partition implements es.Store.
func (s *Store) Partition() string { return s.config.Partition }

// Initialize implements es.Store. It loads the partition's insertion
// ordinal; there is no schema to create.
func (s *Store) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrClosed
	}
	s.initOnce.Do(func() {
		val, closer, err := s.db.Get(keyMeta(s.config.Partition))
		switch {
		case err == nil:
			if len(val) >= 8 {
				s.ord = binary.BigEndian.Uint64(val[:8])
			}
			closer.Close()
		case errors.Is(err, pebble.ErrNotFound):
			// Fresh partition.
		default:
			s.initErr = fmt.Errorf("%w: load partition metadata: %v", es.ErrStorage, err)
		}
	})
	return s.initErr
}

func (s *Store) writeOpt() *pebble.WriteOptions {
	if s.config.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// Flush blocks until all queued stream-head updates have been applied.
// Useful before StreamsToSnapshot when bookkeeping must be current.
func (s *Store) Flush() {
	s.tracker.Flush()
}

// Commit implements es.Store. The record and its indexes are written in
// one atomic batch; the stream-head update is queued on the background
// tracker.
func (s *Store) Commit(ctx context.Context, attempt *es.Commit) error {
	if s.closed.Load() {
		return es.ErrClosed
	}
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := attempt.Validate(); err != nil {
		return err
	}
	if len(attempt.Events) == 0 {
		return es.ErrInvalidCommit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	partition := s.config.Partition
	idKey := keyCommitID(partition, attempt.StreamID, attempt.CommitID)
	if _, closer, err := s.db.Get(idKey); err == nil {
		closer.Close()
		return es.ErrDuplicateCommit
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("%w: read commit id index: %v", es.ErrStorage, err)
	}

	commitKey := keyCommit(partition, attempt.StreamID, uint64(attempt.Sequence))
	if val, closer, err := s.db.Get(commitKey); err == nil {
		_, existing, decErr := decodeRecord(val)
		closer.Close()
		if decErr != nil {
			return fmt.Errorf("%w: %v", es.ErrStorage, decErr)
		}
		if existing.CommitID == attempt.CommitID {
			return es.ErrDuplicateCommit
		}
		return es.ErrConcurrency
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("%w: read commit: %v", es.ErrStorage, err)
	}

	stored := *attempt
	stored.Partition = partition
	stored.Stamp = attempt.Stamp.UTC()
	stored.Dispatched = false

	s.ord++
	ord := s.ord
	record, err := encodeRecord(ord, &stored)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}

	stamp := uint64(stored.Stamp.UnixNano())
	batch := s.db.NewBatch()
	defer batch.Close()

	var seqVal [8]byte
	binary.BigEndian.PutUint64(seqVal[:], uint64(attempt.Sequence))
	var ordVal [8]byte
	binary.BigEndian.PutUint64(ordVal[:], ord)

	if err := batch.Set(commitKey, record, nil); err != nil {
		return fmt.Errorf("%w: %v", es.ErrStorage, err)
	}
	if err := batch.Set(idKey, seqVal[:], nil); err != nil {
		return fmt.Errorf("%w: %v", es.ErrStorage, err)
	}
	if err := batch.Set(keyStamp(partition, stamp, ord), commitKey, nil); err != nil {
		return fmt.Errorf("%w: %v", es.ErrStorage, err)
	}
	if err := batch.Set(keyUndispatched(partition, stamp, ord), commitKey, nil); err != nil {
		return fmt.Errorf("%w: %v", es.ErrStorage, err)
	}
	if err := batch.Set(keyMeta(partition), ordVal[:], nil); err != nil {
		return fmt.Errorf("%w: %v", es.ErrStorage, err)
	}
	if err := batch.Commit(s.writeOpt()); err != nil {
		return fmt.Errorf("%w: commit batch: %v", es.ErrStorage, err)
	}

	attempt.Dispatched = false
	s.tracker.Enqueue(attempt.StreamID, attempt.Revision)

	s.config.Logger.Debug(ctx, "commit stored",
		"stream_id", stored.StreamID,
		"sequence", stored.Sequence,
		"revision", stored.Revision)
	return nil
}

// applyHeadUpdate is the tracker's worker callback.
func (s *Store) applyHeadUpdate(update headUpdate) error {
	s.headMu.Lock()
	defer s.headMu.Unlock()

	key := keyHead(s.config.Partition, update.streamID)
	head := es.StreamHead{
		Partition: s.config.Partition,
		StreamID:  update.streamID,
	}
	if val, closer, err := s.db.Get(key); err == nil {
		decErr := json.Unmarshal(val, &head)
		closer.Close()
		if decErr != nil {
			return decErr
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	if update.revision > head.HeadRevision {
		head.HeadRevision = update.revision
	}
	encoded, err := json.Marshal(head)
	if err != nil {
		return err
	}
	return s.db.Set(key, encoded, pebble.NoSync)
}

// ReadStream implements es.Store.
func (s *Store) ReadStream(ctx context.Context, streamID string, minRevision, maxRevision int) (es.Cursor, error) {
	if s.closed.Load() {
		return nil, es.ErrClosed
	}
	maxRev := es.MaxRevision(maxRevision)

	prefix := streamPrefix(s.config.Partition, 'c', streamID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open iterator: %v", es.ErrStorage, err)
	}
	return &iterCursor{
		ctx:  ctx,
		db:   s.db,
		iter: iter,
		filter: func(c *es.Commit) (bool, bool) {
			if c.StartRevision() > maxRev {
				return false, true
			}
			return c.Revision >= minRevision, false
		},
	}, nil
}

// ReadSince implements es.Store.
func (s *Store) ReadSince(ctx context.Context, start time.Time) (es.Cursor, error) {
	return s.readStamped(ctx, 't', start, time.Time{})
}

// ReadBetween implements es.Store.
func (s *Store) ReadBetween(ctx context.Context, start, end time.Time) (es.Cursor, error) {
	return s.readStamped(ctx, 't', start, end)
}

func (s *Store) readStamped(ctx context.Context, section byte, start, end time.Time) (es.Cursor, error) {
	if s.closed.Load() {
		return nil, es.ErrClosed
	}

	lower := sectionPrefix(s.config.Partition, section)
	if !start.IsZero() && start.UTC().UnixNano() > 0 {
		lower = appendBE8(lower, uint64(start.UTC().UnixNano()))
	}
	upper := prefixUpperBound(sectionPrefix(s.config.Partition, section))
	if !end.IsZero() {
		upper = appendBE8(sectionPrefix(s.config.Partition, section), uint64(end.UTC().UnixNano()))
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("%w: open iterator: %v", es.ErrStorage, err)
	}
	return &iterCursor{ctx: ctx, db: s.db, iter: iter, indirect: true}, nil
}

// Undispatched implements es.Store.
func (s *Store) Undispatched(ctx context.Context) (es.Cursor, error) {
	return s.readStamped(ctx, 'u', time.Time{}, time.Time{})
}

// MarkDispatched implements es.Store. Idempotent: unknown and already
// dispatched commits are ignored.
func (s *Store) MarkDispatched(ctx context.Context, commit *es.Commit) error {
	if s.closed.Load() {
		return es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	commitKey := keyCommit(s.config.Partition, commit.StreamID, uint64(commit.Sequence))
	val, closer, err := s.db.Get(commitKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read commit: %v", es.ErrStorage, err)
	}
	ord, stored, decErr := decodeRecord(val)
	closer.Close()
	if decErr != nil {
		return fmt.Errorf("%w: %v", es.ErrStorage, decErr)
	}
	if stored.CommitID != commit.CommitID || stored.Dispatched {
		return nil
	}

	stored.Dispatched = true
	record, err := encodeRecord(ord, stored)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(commitKey, record, nil); err != nil {
		return fmt.Errorf("%w: %v", es.ErrStorage, err)
	}
	stamp := uint64(stored.Stamp.UnixNano())
	if err := batch.Delete(keyUndispatched(s.config.Partition, stamp, ord), nil); err != nil {
		return fmt.Errorf("%w: %v", es.ErrStorage, err)
	}
	if err := batch.Commit(s.writeOpt()); err != nil {
		return fmt.Errorf("%w: commit batch: %v", es.ErrStorage, err)
	}
	return nil
}

// StreamsToSnapshot implements es.Store. Heads are updated asynchronously,
// so very recent commits may not be reflected yet; call Flush first when
// exact bookkeeping is required.
func (s *Store) StreamsToSnapshot(ctx context.Context, threshold int) ([]es.StreamHead, error) {
	if s.closed.Load() {
		return nil, es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := sectionPrefix(s.config.Partition, 'h')
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open iterator: %v", es.ErrStorage, err)
	}
	defer iter.Close()

	var heads []es.StreamHead
	for iter.First(); iter.Valid(); iter.Next() {
		var head es.StreamHead
		if err := json.Unmarshal(iter.Value(), &head); err != nil {
			return nil, fmt.Errorf("%w: decode stream head: %v", es.ErrStorage, err)
		}
		if head.Unsnapshotted() >= threshold {
			heads = append(heads, head)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", es.ErrStorage, err)
	}
	sort.Slice(heads, func(i, j int) bool {
		return heads[i].Unsnapshotted() > heads[j].Unsnapshotted()
	})
	return heads, nil
}

// LoadSnapshot implements es.Store.
func (s *Store) LoadSnapshot(ctx context.Context, streamID string, maxRevision int) (*es.Snapshot, error) {
	if s.closed.Load() {
		return nil, es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := streamPrefix(s.config.Partition, 's', streamID)
	upper := keySnapshot(s.config.Partition, streamID, uint64(es.MaxRevision(maxRevision))+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("%w: open iterator: %v", es.ErrStorage, err)
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, fmt.Errorf("%w: %v", es.ErrStorage, err)
		}
		return nil, nil
	}

	key := iter.Key()
	revision := binary.BigEndian.Uint64(key[len(key)-8:])
	payload := append([]byte(nil), iter.Value()...)
	return &es.Snapshot{
		Partition: s.config.Partition,
		StreamID:  streamID,
		Revision:  int(revision),
		Payload:   payload,
	}, nil
}

// AddSnapshot implements es.Store.
func (s *Store) AddSnapshot(ctx context.Context, snapshot *es.Snapshot) bool {
	if s.closed.Load() || snapshot == nil || snapshot.StreamID == "" || snapshot.Revision < 1 {
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	key := keySnapshot(s.config.Partition, snapshot.StreamID, uint64(snapshot.Revision))
	if err := s.db.Set(key, snapshot.Payload, s.writeOpt()); err != nil {
		s.config.Logger.Error(ctx, "add snapshot failed",
			"stream_id", snapshot.StreamID,
			"stream_revision", snapshot.Revision,
			"error", err)
		return false
	}

	s.headMu.Lock()
	defer s.headMu.Unlock()
	headKey := keyHead(s.config.Partition, snapshot.StreamID)
	head := es.StreamHead{
		Partition: s.config.Partition,
		StreamID:  snapshot.StreamID,
	}
	if val, closer, err := s.db.Get(headKey); err == nil {
		decErr := json.Unmarshal(val, &head)
		closer.Close()
		if decErr != nil {
			s.config.Logger.Error(ctx, "add snapshot: decode stream head failed",
				"stream_id", snapshot.StreamID, "error", decErr)
			return false
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		s.config.Logger.Error(ctx, "add snapshot: read stream head failed",
			"stream_id", snapshot.StreamID, "error", err)
		return false
	}

	head.SnapshotRevision = snapshot.Revision
	encoded, err := json.Marshal(head)
	if err != nil {
		return false
	}
	if err := s.db.Set(headKey, encoded, pebble.NoSync); err != nil {
		s.config.Logger.Error(ctx, "add snapshot: write stream head failed",
			"stream_id", snapshot.StreamID, "error", err)
		return false
	}
	return true
}

// Purge implements es.Store. Only this store's partition keyspace is
// dropped.
func (s *Store) Purge(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.tracker.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := partitionPrefix(s.config.Partition)
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("%w: %v", es.ErrStorage, err)
	}
	if err := batch.Commit(s.writeOpt()); err != nil {
		return fmt.Errorf("%w: purge batch: %v", es.ErrStorage, err)
	}
	return nil
}

// Close implements es.Store. The head queue is drained first so
// bookkeeping reaches disk.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.tracker.Close()
	if s.ownsDB {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("%w: close pebble: %v", es.ErrStorage, err)
		}
	}
	return nil
}

// iterCursor adapts a pebble iterator to es.Cursor. With indirect set the
// iterated values are commit keys resolved through point lookups (the
// stamp and undispatched indexes); otherwise values are commit records.
type iterCursor struct {
	ctx      context.Context
	db       *pebble.DB
	iter     *pebble.Iterator
	indirect bool
	filter   func(*es.Commit) (bool, bool)

	started bool
	current *es.Commit
	err     error
	done    bool
}

func (c *iterCursor) Next() bool {
	if c.err != nil || c.done {
		return false
	}
	for {
		if err := c.ctx.Err(); err != nil {
			c.err = err
			return false
		}
		var valid bool
		if !c.started {
			valid = c.iter.First()
			c.started = true
		} else {
			valid = c.iter.Next()
		}
		if !valid {
			c.done = true
			if err := c.iter.Error(); err != nil {
				c.err = fmt.Errorf("%w: %v", es.ErrStorage, err)
			}
			return false
		}

		record := c.iter.Value()
		if c.indirect {
			val, closer, err := c.db.Get(c.iter.Value())
			if err != nil {
				c.err = fmt.Errorf("%w: resolve commit key: %v", es.ErrStorage, err)
				return false
			}
			record = append([]byte(nil), val...)
			closer.Close()
		}

		_, commit, err := decodeRecord(record)
		if err != nil {
			c.err = fmt.Errorf("%w: %v", es.ErrStorage, err)
			return false
		}
		if c.filter != nil {
			include, stop := c.filter(commit)
			if stop {
				c.done = true
				return false
			}
			if !include {
				continue
			}
		}
		c.current = commit
		return true
	}
}

func (c *iterCursor) Commit() *es.Commit { return c.current }

func (c *iterCursor) Err() error { return c.err }

func (c *iterCursor) Close() error {
	if c.iter == nil {
		return nil
	}
	err := c.iter.Close()
	c.iter = nil
	if err != nil {
		return fmt.Errorf("%w: %v", es.ErrStorage, err)
	}
	return nil
}
