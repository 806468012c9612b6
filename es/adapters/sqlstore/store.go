package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/valeriob/eventstore/es"
)

// StoreConfig contains configuration for a relational event store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Partition scopes every operation of the store. Empty means
	// es.DefaultPartition.
	Partition string

	// CommitsTable is the name of the commits table.
	CommitsTable string

	// StreamsTable is the name of the stream-head tracking table.
	StreamsTable string

	// SnapshotsTable is the name of the snapshots table.
	SnapshotsTable string

	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Partition:      es.DefaultPartition,
		CommitsTable:   "commits",
		StreamsTable:   "streams",
		SnapshotsTable: "snapshots",
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithPartition scopes the store to a partition.
func WithPartition(partition string) StoreOption {
	return func(c *StoreConfig) {
		c.Partition = partition
	}
}

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithCommitsTable sets a custom commits table name.
func WithCommitsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.CommitsTable = tableName
	}
}

// WithStreamsTable sets a custom stream-head table name.
func WithStreamsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.StreamsTable = tableName
	}
}

// WithSnapshotsTable sets a custom snapshots table name.
func WithSnapshotsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.SnapshotsTable = tableName
	}
}

// NewStoreConfig creates a store configuration with functional options,
// starting from the defaults.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a relational implementation of es.Store over database/sql.
//
// The *sql.DB connection pool is owned by the caller and shared across
// stores; Close marks the store unusable without closing the pool.
type Store struct {
	db      *sql.DB
	dialect Dialect
	config  StoreConfig

	initOnce sync.Once
	initErr  error
	closed   atomic.Bool
}

var _ es.Store = (*Store)(nil)

// NewStore creates a relational event store over the given pool and dialect.
func NewStore(db *sql.DB, dialect Dialect, config StoreConfig) *Store {
	if config.Partition == "" {
		config.Partition = es.DefaultPartition
	}
	return &Store{db: db, dialect: dialect, config: config}
}

// Partition implements es.Store.
func (s *Store) Partition() string { return s.config.Partition }

// Initialize implements es.Store. Schema creation runs at most once per
// store; the DDL itself is idempotent so concurrent processes are safe.
func (s *Store) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrClosed
	}
	s.initOnce.Do(func() {
		for _, stmt := range s.dialect.CreateSchema(s.config.CommitsTable, s.config.StreamsTable, s.config.SnapshotsTable) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				s.initErr = s.wrapErr(fmt.Errorf("create schema: %w", err))
				return
			}
		}
	})
	return s.initErr
}

const commitColumns = "partition_id, stream_id, commit_id, commit_sequence, stream_revision, items, commit_stamp, headers, payload, dispatched"

// ReadStream implements es.Store.
func (s *Store) ReadStream(ctx context.Context, streamID string, minRevision, maxRevision int) (es.Cursor, error) {
	if s.closed.Load() {
		return nil, es.ErrClosed
	}

	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE partition_id = ? AND stream_id = ? AND stream_revision >= ? AND (stream_revision - items) < ?
		ORDER BY commit_sequence ASC
	`, commitColumns, s.config.CommitsTable))

	rows, err := s.db.QueryContext(ctx, query,
		s.config.Partition, streamID, int64(minRevision), int64(es.MaxRevision(maxRevision)))
	if err != nil {
		return nil, s.wrapErr(fmt.Errorf("query stream: %w", err))
	}
	return &rowsCursor{rows: rows, dialect: s.dialect}, nil
}

// ReadSince implements es.Store.
func (s *Store) ReadSince(ctx context.Context, start time.Time) (es.Cursor, error) {
	if s.closed.Load() {
		return nil, es.ErrClosed
	}

	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE partition_id = ? AND commit_stamp >= ?
		ORDER BY commit_stamp ASC, checkpoint_number ASC
	`, commitColumns, s.config.CommitsTable))

	rows, err := s.db.QueryContext(ctx, query, s.config.Partition, s.dialect.BindTime(start.UTC()))
	if err != nil {
		return nil, s.wrapErr(fmt.Errorf("query commits since: %w", err))
	}
	return &rowsCursor{rows: rows, dialect: s.dialect}, nil
}

// ReadBetween implements es.Store.
func (s *Store) ReadBetween(ctx context.Context, start, end time.Time) (es.Cursor, error) {
	if s.closed.Load() {
		return nil, es.ErrClosed
	}

	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE partition_id = ? AND commit_stamp >= ? AND commit_stamp < ?
		ORDER BY commit_stamp ASC, checkpoint_number ASC
	`, commitColumns, s.config.CommitsTable))

	rows, err := s.db.QueryContext(ctx, query,
		s.config.Partition, s.dialect.BindTime(start.UTC()), s.dialect.BindTime(end.UTC()))
	if err != nil {
		return nil, s.wrapErr(fmt.Errorf("query commits between: %w", err))
	}
	return &rowsCursor{rows: rows, dialect: s.dialect}, nil
}

// Commit implements es.Store. The insert and the stream-head upsert run in
// one transaction; the unique constraints on (partition, stream, sequence)
// and (partition, stream, commit id) arbitrate concurrent writers.
func (s *Store) Commit(ctx context.Context, attempt *es.Commit) error {
	if s.closed.Load() {
		return es.ErrClosed
	}
	if err := attempt.Validate(); err != nil {
		return err
	}
	if len(attempt.Events) == 0 {
		return es.ErrInvalidCommit
	}

	headers, err := json.Marshal(attempt.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	payload, err := json.Marshal(attempt.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapErr(fmt.Errorf("begin commit tx: %w", err))
	}
	defer tx.Rollback()

	insert := s.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.CommitsTable, commitColumns))

	_, err = tx.ExecContext(ctx, insert,
		s.config.Partition,
		attempt.StreamID,
		attempt.CommitID.String(),
		int64(attempt.Sequence),
		int64(attempt.Revision),
		int64(len(attempt.Events)),
		s.dialect.BindTime(attempt.Stamp.UTC()),
		headers,
		payload,
		false,
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return s.classifyConflict(ctx, attempt)
		}
		return s.wrapErr(fmt.Errorf("insert commit: %w", err))
	}

	upsert := s.dialect.Rebind(s.dialect.UpsertStreamHead(s.config.StreamsTable))
	_, err = tx.ExecContext(ctx, upsert,
		s.config.Partition, attempt.StreamID, int64(attempt.Revision), int64(attempt.Revision))
	if err != nil {
		return s.wrapErr(fmt.Errorf("update stream head: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return s.wrapErr(fmt.Errorf("commit tx: %w", err))
	}

	attempt.Dispatched = false
	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "commit persisted",
			"dialect", s.dialect.Name(),
			"stream_id", attempt.StreamID,
			"sequence", attempt.Sequence,
			"revision", attempt.Revision,
			"events", len(attempt.Events))
	}
	return nil
}

// classifyConflict distinguishes a lost optimistic race from an idempotent
// replay after the insert hit a unique constraint. The offending row is
// re-read and its commit id compared.
func (s *Store) classifyConflict(ctx context.Context, attempt *es.Commit) error {
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT commit_id FROM %s
		WHERE partition_id = ? AND stream_id = ? AND commit_sequence = ?
	`, s.config.CommitsTable))

	var commitID string
	err := s.db.QueryRowContext(ctx, query,
		s.config.Partition, attempt.StreamID, int64(attempt.Sequence)).Scan(&commitID)
	switch {
	case err == nil:
		if commitID == attempt.CommitID.String() {
			return es.ErrDuplicateCommit
		}
		return es.ErrConcurrency
	case errors.Is(err, sql.ErrNoRows):
		// No commit holds this sequence, so the collision was on the
		// commit id index.
		return es.ErrDuplicateCommit
	default:
		return s.wrapErr(fmt.Errorf("classify conflict: %w", err))
	}
}

// Undispatched implements es.Store.
func (s *Store) Undispatched(ctx context.Context) (es.Cursor, error) {
	if s.closed.Load() {
		return nil, es.ErrClosed
	}

	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE partition_id = ? AND dispatched = ?
		ORDER BY commit_stamp ASC, checkpoint_number ASC
	`, commitColumns, s.config.CommitsTable))

	rows, err := s.db.QueryContext(ctx, query, s.config.Partition, false)
	if err != nil {
		return nil, s.wrapErr(fmt.Errorf("query undispatched: %w", err))
	}
	return &rowsCursor{rows: rows, dialect: s.dialect}, nil
}

// MarkDispatched implements es.Store. Idempotent: marking an already
// dispatched or unknown commit changes nothing.
func (s *Store) MarkDispatched(ctx context.Context, commit *es.Commit) error {
	if s.closed.Load() {
		return es.ErrClosed
	}

	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s SET dispatched = ?
		WHERE partition_id = ? AND stream_id = ? AND commit_sequence = ? AND commit_id = ?
	`, s.config.CommitsTable))

	_, err := s.db.ExecContext(ctx, query,
		true, s.config.Partition, commit.StreamID, int64(commit.Sequence), commit.CommitID.String())
	if err != nil {
		return s.wrapErr(fmt.Errorf("mark dispatched: %w", err))
	}
	return nil
}

// StreamsToSnapshot implements es.Store.
func (s *Store) StreamsToSnapshot(ctx context.Context, threshold int) ([]es.StreamHead, error) {
	if s.closed.Load() {
		return nil, es.ErrClosed
	}

	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT partition_id, stream_id, head_revision, snapshot_revision
		FROM %s
		WHERE partition_id = ? AND unsnapshotted >= ?
		ORDER BY unsnapshotted DESC
	`, s.config.StreamsTable))

	rows, err := s.db.QueryContext(ctx, query, s.config.Partition, int64(threshold))
	if err != nil {
		return nil, s.wrapErr(fmt.Errorf("query streams to snapshot: %w", err))
	}
	defer rows.Close()

	var heads []es.StreamHead
	for rows.Next() {
		var h es.StreamHead
		if err := rows.Scan(&h.Partition, &h.StreamID, &h.HeadRevision, &h.SnapshotRevision); err != nil {
			return nil, s.wrapErr(fmt.Errorf("scan stream head: %w", err))
		}
		heads = append(heads, h)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapErr(fmt.Errorf("stream head rows: %w", err))
	}
	return heads, nil
}

// LoadSnapshot implements es.Store.
func (s *Store) LoadSnapshot(ctx context.Context, streamID string, maxRevision int) (*es.Snapshot, error) {
	if s.closed.Load() {
		return nil, es.ErrClosed
	}

	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT partition_id, stream_id, stream_revision, payload
		FROM %s
		WHERE partition_id = ? AND stream_id = ? AND stream_revision <= ?
		ORDER BY stream_revision DESC
		LIMIT 1
	`, s.config.SnapshotsTable))

	var snap es.Snapshot
	err := s.db.QueryRowContext(ctx, query,
		s.config.Partition, streamID, int64(es.MaxRevision(maxRevision))).
		Scan(&snap.Partition, &snap.StreamID, &snap.Revision, &snap.Payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, s.wrapErr(fmt.Errorf("query snapshot: %w", err))
	}
	return &snap, nil
}

// AddSnapshot implements es.Store. It never fails hard: failures are
// logged and reported as false so snapshot tasks cannot corrupt the
// commit path.
func (s *Store) AddSnapshot(ctx context.Context, snapshot *es.Snapshot) bool {
	if s.closed.Load() || snapshot == nil || snapshot.StreamID == "" || snapshot.Revision < 1 {
		return false
	}

	err := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		upsert := s.dialect.Rebind(s.dialect.UpsertSnapshot(s.config.SnapshotsTable))
		if _, err := tx.ExecContext(ctx, upsert,
			s.config.Partition, snapshot.StreamID, int64(snapshot.Revision), snapshot.Payload); err != nil {
			return err
		}

		update := s.dialect.Rebind(fmt.Sprintf(`
			UPDATE %s SET snapshot_revision = ?, unsnapshotted = head_revision - ?
			WHERE partition_id = ? AND stream_id = ?
		`, s.config.StreamsTable))
		if _, err := tx.ExecContext(ctx, update,
			int64(snapshot.Revision), int64(snapshot.Revision), s.config.Partition, snapshot.StreamID); err != nil {
			return err
		}
		return tx.Commit()
	}()
	if err != nil {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "add snapshot failed",
				"dialect", s.dialect.Name(),
				"stream_id", snapshot.StreamID,
				"stream_revision", snapshot.Revision,
				"error", err)
		}
		return false
	}
	return true
}

// Purge implements es.Store. Only this store's partition is dropped.
func (s *Store) Purge(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapErr(fmt.Errorf("begin purge tx: %w", err))
	}
	defer tx.Rollback()

	for _, table := range []string{s.config.CommitsTable, s.config.SnapshotsTable, s.config.StreamsTable} {
		query := s.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE partition_id = ?`, table))
		if _, err := tx.ExecContext(ctx, query, s.config.Partition); err != nil {
			return s.wrapErr(fmt.Errorf("purge %s: %w", table, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return s.wrapErr(fmt.Errorf("purge tx: %w", err))
	}
	return nil
}

// Close implements es.Store. The connection pool is owned by the caller
// and stays open.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if s.dialect.IsTransient(err) {
		return fmt.Errorf("%w: %v", es.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%w: %v", es.ErrStorage, err)
}

// rowsCursor adapts sql.Rows to es.Cursor, decoding rows on demand so
// result sets stream instead of materializing.
type rowsCursor struct {
	rows    *sql.Rows
	dialect Dialect
	current *es.Commit
	err     error
}

func (c *rowsCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		return false
	}

	var (
		commit     es.Commit
		commitID   string
		items      int64
		stamp      interface{}
		headers    []byte
		payload    []byte
		dispatched bool
	)
	if err := c.rows.Scan(
		&commit.Partition,
		&commit.StreamID,
		&commitID,
		&commit.Sequence,
		&commit.Revision,
		&items,
		&stamp,
		&headers,
		&payload,
		&dispatched,
	); err != nil {
		c.err = fmt.Errorf("scan commit: %w", err)
		return false
	}

	id, err := uuid.Parse(commitID)
	if err != nil {
		c.err = fmt.Errorf("parse commit id: %w", err)
		return false
	}
	commit.CommitID = id

	commit.Stamp, err = c.dialect.ScanTime(stamp)
	if err != nil {
		c.err = fmt.Errorf("parse commit stamp: %w", err)
		return false
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &commit.Headers); err != nil {
			c.err = fmt.Errorf("unmarshal headers: %w", err)
			return false
		}
	}
	if err := json.Unmarshal(payload, &commit.Events); err != nil {
		c.err = fmt.Errorf("unmarshal events: %w", err)
		return false
	}
	commit.Dispatched = dispatched

	c.current = &commit
	return true
}

func (c *rowsCursor) Commit() *es.Commit { return c.current }

func (c *rowsCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *rowsCursor) Close() error { return c.rows.Close() }
