// Package sqlstore provides the shared relational event store engine.
//
// The engine owns everything the relational backends have in common:
// queries, conflict classification, stream-head bookkeeping, and lazy
// row cursors. A Dialect supplies only what actually differs between
// databases: DDL, placeholder style, upsert syntax, time binding, and the
// translation of driver errors into the library's error taxonomy.
package sqlstore

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"
)

// Dialect abstracts the differences between relational databases.
type Dialect interface {
	// Name returns the dialect name, e.g. "postgres".
	Name() string

	// CreateSchema returns the DDL statements creating the commits,
	// streams, and snapshots tables with the required indexes. Statements
	// must be idempotent (IF NOT EXISTS or equivalent).
	CreateSchema(commitsTable, streamsTable, snapshotsTable string) []string

	// Rebind converts a query written with ? placeholders into the
	// dialect's placeholder style.
	Rebind(query string) string

	// UpsertStreamHead returns the statement upserting a stream head on
	// commit. Bind order: partition, stream id, head revision,
	// unsnapshotted count for a brand-new head. Existing rows keep their
	// snapshot revision and recompute the lag from the new head.
	UpsertStreamHead(streamsTable string) string

	// UpsertSnapshot returns the statement upserting a snapshot.
	// Bind order: partition, stream id, stream revision, payload.
	UpsertSnapshot(snapshotsTable string) string

	// BindTime converts a timestamp into the driver's bind representation.
	BindTime(t time.Time) interface{}

	// ScanTime converts a scanned commit stamp back into a UTC timestamp.
	ScanTime(v interface{}) (time.Time, error)

	// IsUniqueViolation reports whether the error is a unique constraint
	// violation, the raw signal behind concurrency and duplicate-commit
	// classification.
	IsUniqueViolation(err error) bool

	// IsTransient reports whether the error is a transient connectivity
	// failure callers may retry.
	IsTransient(err error) bool
}

// IsConnectionError reports the driver-agnostic transient failures:
// poisoned connections and network-level errors.
func IsConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RebindDollar rewrites ? placeholders as $1..$n for dialects using
// numbered placeholders.
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
