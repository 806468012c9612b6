// Package mysql provides the MySQL dialect for the relational event store.
//
// Open the connection with parseTime=true so DATETIME columns scan into
// time.Time; without it commit stamps arrive as raw text, which ScanTime
// also parses.
package mysql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/valeriob/eventstore/es/adapters/sqlstore"
)

const mysqlDateTimeFormat = "2006-01-02 15:04:05.999999"

// NewStore creates a MySQL-backed event store over the given pool.
func NewStore(db *sql.DB, opts ...sqlstore.StoreOption) *sqlstore.Store {
	return sqlstore.NewStore(db, Dialect{}, sqlstore.NewStoreConfig(opts...))
}

// Dialect implements sqlstore.Dialect for MySQL.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "mysql" }

// CreateSchema implements sqlstore.Dialect.
func (Dialect) CreateSchema(commits, streams, snapshots string) []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				checkpoint_number BIGINT AUTO_INCREMENT PRIMARY KEY,
				partition_id VARCHAR(64) NOT NULL,
				stream_id VARCHAR(256) NOT NULL,
				commit_id CHAR(36) NOT NULL,
				commit_sequence BIGINT NOT NULL,
				stream_revision BIGINT NOT NULL,
				items BIGINT NOT NULL,
				commit_stamp DATETIME(6) NOT NULL,
				headers BLOB,
				payload MEDIUMBLOB NOT NULL,
				dispatched BOOLEAN NOT NULL DEFAULT FALSE,

				UNIQUE KEY %[1]s_sequence_unique (partition_id, stream_id, commit_sequence),
				UNIQUE KEY %[1]s_commit_id_unique (partition_id, stream_id, commit_id),
				UNIQUE KEY %[1]s_revision_unique (partition_id, stream_id, stream_revision),
				KEY idx_%[1]s_dispatched (dispatched, commit_stamp),
				KEY idx_%[1]s_stamp (partition_id, commit_stamp)
			)`, commits),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				partition_id VARCHAR(64) NOT NULL,
				stream_id VARCHAR(256) NOT NULL,
				head_revision BIGINT NOT NULL,
				snapshot_revision BIGINT NOT NULL DEFAULT 0,
				unsnapshotted BIGINT NOT NULL DEFAULT 0,

				PRIMARY KEY (partition_id, stream_id),
				KEY idx_%[1]s_unsnapshotted (partition_id, unsnapshotted)
			)`, streams),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				partition_id VARCHAR(64) NOT NULL,
				stream_id VARCHAR(256) NOT NULL,
				stream_revision BIGINT NOT NULL,
				payload MEDIUMBLOB NOT NULL,

				PRIMARY KEY (partition_id, stream_id, stream_revision)
			)`, snapshots),
	}
}

// Rebind implements sqlstore.Dialect. MySQL uses ? placeholders natively.
func (Dialect) Rebind(query string) string { return query }

// UpsertStreamHead implements sqlstore.Dialect.
func (Dialect) UpsertStreamHead(streams string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (partition_id, stream_id, head_revision, snapshot_revision, unsnapshotted)
		VALUES (?, ?, ?, 0, ?)
		ON DUPLICATE KEY UPDATE
			head_revision = VALUES(head_revision),
			unsnapshotted = VALUES(head_revision) - snapshot_revision
	`, streams)
}

// UpsertSnapshot implements sqlstore.Dialect.
func (Dialect) UpsertSnapshot(snapshots string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (partition_id, stream_id, stream_revision, payload)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload)
	`, snapshots)
}

// BindTime implements sqlstore.Dialect.
func (Dialect) BindTime(t time.Time) interface{} { return t.UTC() }

// ScanTime implements sqlstore.Dialect.
func (Dialect) ScanTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case []byte:
		// Connection opened without parseTime=true.
		parsed, err := time.Parse(mysqlDateTimeFormat, string(t))
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected commit_stamp type %T", v)
	}
}

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a MySQL error with duplicate entry code (1062)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}
	return false
}

// IsTransient implements sqlstore.Dialect.
func (Dialect) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if sqlstore.IsConnectionError(err) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1040, // ER_CON_COUNT_ERROR
			1053, // ER_SERVER_SHUTDOWN
			1205: // ER_LOCK_WAIT_TIMEOUT
			return true
		}
	}
	return false
}
