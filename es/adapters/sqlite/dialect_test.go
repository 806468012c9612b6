package sqlite

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDialect_IsUniqueViolation(t *testing.T) {
	d := Dialect{}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unique constraint failed", errors.New("constraint failed: UNIQUE constraint failed: commits.partition_id, commits.stream_id, commits.commit_sequence (2067)"), true},
		{"generic constraint", errors.New("constraint failed"), true},
		{"unrelated", errors.New("no such table: commits"), false},
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

	if !d.IsTransient(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("SQLITE_BUSY should be transient")
	}
	if d.IsTransient(errors.New("no such table: commits")) {
		t.Error("missing table is not transient")
	}
}

func TestDialect_TimeRoundTrip(t *testing.T) {
	d := Dialect{}

	now := time.Date(2024, 5, 1, 12, 30, 45, 123456000, time.UTC)
	bound := d.BindTime(now)
	s, ok := bound.(string)
	if !ok {
		t.Fatalf("BindTime should produce a string, got %T", bound)
	}

	got, err := d.ScanTime(s)
	if err != nil {
		t.Fatalf("ScanTime returned %v", err)
	}
	if !got.Equal(now) {
		t.Errorf("round trip produced %v, want %v", got, now)
	}
}

func TestDialect_TimeOrdering(t *testing.T) {
	d := Dialect{}

	// Stored stamps are compared as text; the fixed-width format must keep
	// lexicographic order aligned with chronological order.
	earlier := d.BindTime(time.Date(2024, 5, 1, 12, 0, 0, 5000000, time.UTC)).(string)
	later := d.BindTime(time.Date(2024, 5, 1, 12, 0, 0, 50000000, time.UTC)).(string)
	if !(earlier < later) {
		t.Errorf("expected %q < %q", earlier, later)
	}
}

func TestDialect_Statements(t *testing.T) {
	d := Dialect{}

	schema := strings.Join(d.CreateSchema("commits", "streams", "snapshots"), "\n")
	if !strings.Contains(schema, "INTEGER PRIMARY KEY AUTOINCREMENT") {
		t.Error("commits table should carry an auto-increment checkpoint")
	}
	if !strings.Contains(d.UpsertSnapshot("snapshots"), "ON CONFLICT (partition_id, stream_id, stream_revision)") {
		t.Error("snapshot upsert should target the composite key")
	}
}
