// Package memory provides an in-memory event store backend.
//
// The backend is a simple, correct reference implementation of the
// persistence contract, intended for tests and development. A Database is
// the physical store; opening stores for different partitions over the
// same Database exercises the same isolation rules the durable backends
// enforce.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/valeriob/eventstore/es"
)

// StoreConfig contains configuration for the in-memory event store.
type StoreConfig struct {
	// Partition scopes every operation of the store. Empty means
	// es.DefaultPartition.
	Partition string

	// Logger is an optional logger for observability.
	Logger es.Logger
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Partition: es.DefaultPartition,
	}
}

type storedCommit struct {
	commit *es.Commit
	order  int
}

type partitionData struct {
	commits   []*storedCommit
	streams   map[string][]*storedCommit
	heads     map[string]es.StreamHead
	snapshots map[string][]*es.Snapshot
	order     int
}

func newPartitionData() *partitionData {
	return &partitionData{
		streams:   map[string][]*storedCommit{},
		heads:     map[string]es.StreamHead{},
		snapshots: map[string][]*es.Snapshot{},
	}
}

// Database is the shared physical store. All partitions live in one
// Database; a Store is a partition-scoped view over it.
type Database struct {
	mu         sync.RWMutex
	partitions map[string]*partitionData
}

// NewDatabase creates an empty physical store.
func NewDatabase() *Database {
	return &Database{partitions: map[string]*partitionData{}}
}

// partition returns the named partition, creating it if absent.
// Callers must hold the write lock.
func (db *Database) partition(name string) *partitionData {
	p, ok := db.partitions[name]
	if !ok {
		p = newPartitionData()
		db.partitions[name] = p
	}
	return p
}

// lookup returns the named partition or an empty placeholder without
// mutating the database. Callers must hold at least the read lock.
func (db *Database) lookup(name string) *partitionData {
	if p, ok := db.partitions[name]; ok {
		return p
	}
	return newPartitionData()
}

// NewStore opens a partition-scoped store over the database.
func (db *Database) NewStore(config StoreConfig) *Store {
	if config.Partition == "" {
		config.Partition = es.DefaultPartition
	}
	if config.Logger == nil {
		config.Logger = es.NoOpLogger{}
	}
	return &Store{db: db, config: config}
}

// NewStore creates a store over its own private database.
func NewStore(config StoreConfig) *Store {
	return NewDatabase().NewStore(config)
}

// Store is an in-memory implementation of es.Store.
type Store struct {
	db     *Database
	config StoreConfig
	closed sync.Once
	done   bool
	mu     sync.Mutex // guards done
}

var _ es.Store = (*Store)(nil)

// Partition implements es.Store.
func (s *Store) Partition() string { return s.config.Partition }

// Initialize implements es.Store. The in-memory backend has no schema.
func (s *Store) Initialize(context.Context) error {
	if s.isClosed() {
		return es.ErrClosed
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// ReadStream implements es.Store.
func (s *Store) ReadStream(ctx context.Context, streamID string, minRevision, maxRevision int) (es.Cursor, error) {
	if s.isClosed() {
		return nil, es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxRevision = es.MaxRevision(maxRevision)

	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	p := s.db.lookup(s.config.Partition)
	var out []*es.Commit
	for _, sc := range p.streams[streamID] {
		c := sc.commit
		if c.Revision >= minRevision && c.StartRevision() <= maxRevision {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return es.NewSliceCursor(out), nil
}

// ReadSince implements es.Store.
func (s *Store) ReadSince(ctx context.Context, start time.Time) (es.Cursor, error) {
	return s.readStamped(ctx, start, time.Time{})
}

// ReadBetween implements es.Store.
func (s *Store) ReadBetween(ctx context.Context, start, end time.Time) (es.Cursor, error) {
	return s.readStamped(ctx, start, end)
}

func (s *Store) readStamped(ctx context.Context, start, end time.Time) (es.Cursor, error) {
	if s.isClosed() {
		return nil, es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	p := s.db.lookup(s.config.Partition)
	var matched []*storedCommit
	for _, sc := range p.commits {
		if sc.commit.Stamp.Before(start) {
			continue
		}
		if !end.IsZero() && !sc.commit.Stamp.Before(end) {
			continue
		}
		matched = append(matched, sc)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].commit.Stamp.Equal(matched[j].commit.Stamp) {
			return matched[i].order < matched[j].order
		}
		return matched[i].commit.Stamp.Before(matched[j].commit.Stamp)
	})

	out := make([]*es.Commit, len(matched))
	for i, sc := range matched {
		out[i] = sc.commit
	}
	return es.NewSliceCursor(out), nil
}

// Commit implements es.Store.
func (s *Store) Commit(ctx context.Context, attempt *es.Commit) error {
	if s.isClosed() {
		return es.ErrClosed
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

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	p := s.db.partition(s.config.Partition)
	for _, sc := range p.streams[attempt.StreamID] {
		if sc.commit.CommitID == attempt.CommitID {
			return es.ErrDuplicateCommit
		}
		if sc.commit.Sequence == attempt.Sequence {
			return es.ErrConcurrency
		}
	}

	stored := cloneCommit(attempt)
	stored.Partition = s.config.Partition
	stored.Stamp = stored.Stamp.UTC()
	stored.Dispatched = false

	p.order++
	sc := &storedCommit{commit: stored, order: p.order}
	p.commits = append(p.commits, sc)
	p.streams[attempt.StreamID] = append(p.streams[attempt.StreamID], sc)

	head := p.heads[attempt.StreamID]
	head.Partition = s.config.Partition
	head.StreamID = attempt.StreamID
	head.HeadRevision = stored.Revision
	p.heads[attempt.StreamID] = head

	s.config.Logger.Debug(ctx, "commit stored",
		"stream_id", stored.StreamID,
		"sequence", stored.Sequence,
		"revision", stored.Revision)
	return nil
}

// Undispatched implements es.Store.
func (s *Store) Undispatched(ctx context.Context) (es.Cursor, error) {
	if s.isClosed() {
		return nil, es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	p := s.db.lookup(s.config.Partition)
	var matched []*storedCommit
	for _, sc := range p.commits {
		if !sc.commit.Dispatched {
			matched = append(matched, sc)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].commit.Stamp.Equal(matched[j].commit.Stamp) {
			return matched[i].order < matched[j].order
		}
		return matched[i].commit.Stamp.Before(matched[j].commit.Stamp)
	})
	out := make([]*es.Commit, len(matched))
	for i, sc := range matched {
		out[i] = sc.commit
	}
	return es.NewSliceCursor(out), nil
}

// MarkDispatched implements es.Store.
func (s *Store) MarkDispatched(ctx context.Context, commit *es.Commit) error {
	if s.isClosed() {
		return es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	p := s.db.partition(s.config.Partition)
	for _, sc := range p.streams[commit.StreamID] {
		if sc.commit.CommitID == commit.CommitID {
			sc.commit.Dispatched = true
			return nil
		}
	}
	return nil
}

// StreamsToSnapshot implements es.Store.
func (s *Store) StreamsToSnapshot(ctx context.Context, threshold int) ([]es.StreamHead, error) {
	if s.isClosed() {
		return nil, es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	p := s.db.lookup(s.config.Partition)
	var heads []es.StreamHead
	for _, head := range p.heads {
		if head.Unsnapshotted() >= threshold {
			heads = append(heads, head)
		}
	}
	sort.Slice(heads, func(i, j int) bool {
		return heads[i].Unsnapshotted() > heads[j].Unsnapshotted()
	})
	return heads, nil
}

// LoadSnapshot implements es.Store.
func (s *Store) LoadSnapshot(ctx context.Context, streamID string, maxRevision int) (*es.Snapshot, error) {
	if s.isClosed() {
		return nil, es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxRevision = es.MaxRevision(maxRevision)

	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	p := s.db.lookup(s.config.Partition)
	snapshots := p.snapshots[streamID]
	for i := len(snapshots) - 1; i >= 0; i-- {
		if snapshots[i].Revision <= maxRevision {
			return snapshots[i], nil
		}
	}
	return nil, nil
}

// AddSnapshot implements es.Store.
func (s *Store) AddSnapshot(ctx context.Context, snapshot *es.Snapshot) bool {
	if s.isClosed() || snapshot == nil || snapshot.StreamID == "" || snapshot.Revision < 1 {
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	p := s.db.partition(s.config.Partition)
	stored := &es.Snapshot{
		Partition: s.config.Partition,
		StreamID:  snapshot.StreamID,
		Revision:  snapshot.Revision,
		Payload:   snapshot.Payload,
	}

	snapshots := p.snapshots[snapshot.StreamID]
	replaced := false
	for i, existing := range snapshots {
		if existing.Revision == snapshot.Revision {
			snapshots[i] = stored
			replaced = true
			break
		}
	}
	if !replaced {
		snapshots = append(snapshots, stored)
		sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Revision < snapshots[j].Revision })
	}
	p.snapshots[snapshot.StreamID] = snapshots

	if head, ok := p.heads[snapshot.StreamID]; ok {
		head.SnapshotRevision = snapshot.Revision
		p.heads[snapshot.StreamID] = head
	}
	return true
}

// Purge implements es.Store. Only the store's own partition is dropped.
func (s *Store) Purge(ctx context.Context) error {
	if s.isClosed() {
		return es.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	delete(s.db.partitions, s.config.Partition)
	return nil
}

// Close implements es.Store.
func (s *Store) Close() error {
	s.closed.Do(func() {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
	})
	return nil
}

func cloneCommit(c *es.Commit) *es.Commit {
	clone := *c
	clone.Events = make([]es.EventMessage, len(c.Events))
	copy(clone.Events, c.Events)
	clone.Headers = make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		clone.Headers[k] = v
	}
	return &clone
}
