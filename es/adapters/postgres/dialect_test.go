package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
)

func TestDialect_IsUniqueViolation(t *testing.T) {
	d := Dialect{}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unique violation code", &pq.Error{Code: "23505"}, true},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"other pq error", &pq.Error{Code: "42601"}, false},
		{"message fallback", errors.New(`pq: duplicate key value violates unique constraint "commits_sequence_unique"`), true},
		{"unrelated", errors.New("connection refused by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDialect_IsTransient(t *testing.T) {
	d := Dialect{}

	if !d.IsTransient(&pq.Error{Code: "08006"}) {
		t.Error("connection failure (class 08) should be transient")
	}
	if !d.IsTransient(&pq.Error{Code: "57P01"}) {
		t.Error("admin shutdown should be transient")
	}
	if d.IsTransient(&pq.Error{Code: "23505"}) {
		t.Error("unique violation is not transient")
	}
}

func TestDialect_Statements(t *testing.T) {
	d := Dialect{}

	schema := d.CreateSchema("commits", "streams", "snapshots")
	joined := strings.Join(schema, "\n")
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS commits",
		"commits_sequence_unique",
		"commits_commit_id_unique",
		"idx_commits_revision",
		"idx_commits_dispatched",
		"idx_streams_unsnapshotted",
		"CREATE TABLE IF NOT EXISTS snapshots",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("schema missing %q", want)
		}
	}

	if got := d.Rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("Rebind produced %q", got)
	}
	if !strings.Contains(d.UpsertStreamHead("streams"), "ON CONFLICT (partition_id, stream_id) DO UPDATE") {
		t.Error("stream head upsert should use ON CONFLICT")
	}
}

func TestDialect_ScanTime(t *testing.T) {
	d := Dialect{}

	now := time.Now()
	got, err := d.ScanTime(now)
	if err != nil {
		t.Fatalf("ScanTime returned %v", err)
	}
	if !got.Equal(now) {
		t.Error("ScanTime should preserve the instant")
	}
	if got.Location() != time.UTC {
		t.Error("ScanTime should normalize to UTC")
	}
	if _, err := d.ScanTime("not a time"); err == nil {
		t.Error("ScanTime should reject non-time values")
	}
}
