// Package postgres provides the PostgreSQL dialect for the relational
// event store.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/valeriob/eventstore/es/adapters/sqlstore"
)

// NewStore creates a PostgreSQL-backed event store over the given pool.
func NewStore(db *sql.DB, opts ...sqlstore.StoreOption) *sqlstore.Store {
	return sqlstore.NewStore(db, Dialect{}, sqlstore.NewStoreConfig(opts...))
}

// Dialect implements sqlstore.Dialect for PostgreSQL.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "postgres" }

// CreateSchema implements sqlstore.Dialect.
func (Dialect) CreateSchema(commits, streams, snapshots string) []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				checkpoint_number BIGSERIAL PRIMARY KEY,
				partition_id TEXT NOT NULL,
				stream_id TEXT NOT NULL,
				commit_id UUID NOT NULL,
				commit_sequence BIGINT NOT NULL,
				stream_revision BIGINT NOT NULL,
				items BIGINT NOT NULL,
				commit_stamp TIMESTAMPTZ NOT NULL,
				headers BYTEA,
				payload BYTEA NOT NULL,
				dispatched BOOLEAN NOT NULL DEFAULT FALSE,

				CONSTRAINT %[1]s_sequence_unique UNIQUE (partition_id, stream_id, commit_sequence),
				CONSTRAINT %[1]s_commit_id_unique UNIQUE (partition_id, stream_id, commit_id)
			)`, commits),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_revision ON %[1]s (partition_id, stream_id, stream_revision)`, commits),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_dispatched ON %[1]s (dispatched, commit_stamp)`, commits),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_stamp ON %[1]s (partition_id, commit_stamp)`, commits),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				partition_id TEXT NOT NULL,
				stream_id TEXT NOT NULL,
				head_revision BIGINT NOT NULL,
				snapshot_revision BIGINT NOT NULL DEFAULT 0,
				unsnapshotted BIGINT NOT NULL DEFAULT 0,

				PRIMARY KEY (partition_id, stream_id)
			)`, streams),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_unsnapshotted ON %[1]s (partition_id, unsnapshotted)`, streams),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				partition_id TEXT NOT NULL,
				stream_id TEXT NOT NULL,
				stream_revision BIGINT NOT NULL,
				payload BYTEA NOT NULL,

				PRIMARY KEY (partition_id, stream_id, stream_revision)
			)`, snapshots),
	}
}

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return sqlstore.RebindDollar(query) }

// UpsertStreamHead implements sqlstore.Dialect.
func (Dialect) UpsertStreamHead(streams string) string {
	return fmt.Sprintf(`
		INSERT INTO %[1]s (partition_id, stream_id, head_revision, snapshot_revision, unsnapshotted)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (partition_id, stream_id) DO UPDATE
		SET head_revision = EXCLUDED.head_revision,
		    unsnapshotted = EXCLUDED.head_revision - %[1]s.snapshot_revision
	`, streams)
}

// UpsertSnapshot implements sqlstore.Dialect.
func (Dialect) UpsertSnapshot(snapshots string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (partition_id, stream_id, stream_revision, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (partition_id, stream_id, stream_revision) DO UPDATE
		SET payload = EXCLUDED.payload
	`, snapshots)
}

// BindTime implements sqlstore.Dialect.
func (Dialect) BindTime(t time.Time) interface{} { return t.UTC() }

// ScanTime implements sqlstore.Dialect.
func (Dialect) ScanTime(v interface{}) (time.Time, error) {
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected commit_stamp type %T", v)
	}
	return t.UTC(), nil
}

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a pq.Error with unique_violation code (23505)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	// Fallback: check error message for common patterns
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

// IsTransient implements sqlstore.Dialect.
func (Dialect) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if sqlstore.IsConnectionError(err) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions. 57P01: admin shutdown.
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01"
	}
	return false
}
