// Package sqlite provides the SQLite dialect for the relational event
// store, targeting the modernc.org/sqlite driver.
//
// Commit stamps are stored as fixed-width UTC text so lexicographic
// comparison matches chronological order.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/valeriob/eventstore/es/adapters/sqlstore"
)

const (
	// sqliteDateTimeFormat is the format used for timestamp storage/parsing.
	// The fractional part is zero-padded to keep string ordering stable.
	sqliteDateTimeFormat = "2006-01-02 15:04:05.000000"
)

// NewStore creates a SQLite-backed event store over the given pool.
func NewStore(db *sql.DB, opts ...sqlstore.StoreOption) *sqlstore.Store {
	return sqlstore.NewStore(db, Dialect{}, sqlstore.NewStoreConfig(opts...))
}

// Dialect implements sqlstore.Dialect for SQLite.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "sqlite" }

// CreateSchema implements sqlstore.Dialect.
func (Dialect) CreateSchema(commits, streams, snapshots string) []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				checkpoint_number INTEGER PRIMARY KEY AUTOINCREMENT,
				partition_id TEXT NOT NULL,
				stream_id TEXT NOT NULL,
				commit_id TEXT NOT NULL,
				commit_sequence INTEGER NOT NULL,
				stream_revision INTEGER NOT NULL,
				items INTEGER NOT NULL,
				commit_stamp TEXT NOT NULL,
				headers BLOB,
				payload BLOB NOT NULL,
				dispatched INTEGER NOT NULL DEFAULT 0,

				UNIQUE (partition_id, stream_id, commit_sequence),
				UNIQUE (partition_id, stream_id, commit_id)
			)`, commits),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_revision ON %[1]s (partition_id, stream_id, stream_revision)`, commits),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_dispatched ON %[1]s (dispatched, commit_stamp)`, commits),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_stamp ON %[1]s (partition_id, commit_stamp)`, commits),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				partition_id TEXT NOT NULL,
				stream_id TEXT NOT NULL,
				head_revision INTEGER NOT NULL,
				snapshot_revision INTEGER NOT NULL DEFAULT 0,
				unsnapshotted INTEGER NOT NULL DEFAULT 0,

				PRIMARY KEY (partition_id, stream_id)
			)`, streams),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_unsnapshotted ON %[1]s (partition_id, unsnapshotted)`, streams),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				partition_id TEXT NOT NULL,
				stream_id TEXT NOT NULL,
				stream_revision INTEGER NOT NULL,
				payload BLOB NOT NULL,

				PRIMARY KEY (partition_id, stream_id, stream_revision)
			)`, snapshots),
	}
}

// Rebind implements sqlstore.Dialect. SQLite uses ? placeholders natively.
func (Dialect) Rebind(query string) string { return query }

// UpsertStreamHead implements sqlstore.Dialect.
func (Dialect) UpsertStreamHead(streams string) string {
	return fmt.Sprintf(`
		INSERT INTO %[1]s (partition_id, stream_id, head_revision, snapshot_revision, unsnapshotted)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (partition_id, stream_id) DO UPDATE
		SET head_revision = excluded.head_revision,
		    unsnapshotted = excluded.head_revision - %[1]s.snapshot_revision
	`, streams)
}

// UpsertSnapshot implements sqlstore.Dialect.
func (Dialect) UpsertSnapshot(snapshots string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (partition_id, stream_id, stream_revision, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (partition_id, stream_id, stream_revision) DO UPDATE
		SET payload = excluded.payload
	`, snapshots)
}

// BindTime implements sqlstore.Dialect.
func (Dialect) BindTime(t time.Time) interface{} {
	return t.UTC().Format(sqliteDateTimeFormat)
}

// ScanTime implements sqlstore.Dialect.
func (Dialect) ScanTime(v interface{}) (time.Time, error) {
	var raw string
	switch t := v.(type) {
	case string:
		raw = t
	case []byte:
		raw = string(t)
	case time.Time:
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected commit_stamp type %T", v)
	}
	parsed, err := time.Parse(sqliteDateTimeFormat, raw)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// SQLite error messages for unique constraint violations
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed")
}

// IsTransient implements sqlstore.Dialect.
func (Dialect) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if sqlstore.IsConnectionError(err) {
		return true
	}

	// SQLITE_BUSY / SQLITE_LOCKED surface as message text through the
	// driver; both clear once the competing writer finishes.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
