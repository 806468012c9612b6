package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/valeriob/eventstore/es"
	"github.com/valeriob/eventstore/es/adapters/memory"
)

func commitAt(streamID string, sequence, revision int, stamp time.Time, bodies ...string) *es.Commit {
	events := make([]es.EventMessage, len(bodies))
	for i, b := range bodies {
		events[i] = es.EventMessage{Body: []byte(b)}
	}
	if len(events) == 0 {
		events = []es.EventMessage{{Body: []byte(`{}`)}}
	}
	return &es.Commit{
		StreamID: streamID,
		CommitID: uuid.New(),
		Sequence: sequence,
		Revision: revision,
		Stamp:    stamp,
		Events:   events,
	}
}

func mustCommit(t *testing.T, store es.Store, c *es.Commit) {
	t.Helper()
	if err := store.Commit(context.Background(), c); err != nil {
		t.Fatalf("Commit(%s seq %d) returned %v", c.StreamID, c.Sequence, err)
	}
}

func readAll(t *testing.T, cur es.Cursor, err error) []*es.Commit {
	t.Helper()
	if err != nil {
		t.Fatalf("read returned %v", err)
	}
	commits, err := es.ReadAll(cur)
	if err != nil {
		t.Fatalf("ReadAll returned %v", err)
	}
	return commits
}

func TestStore_Commit_Conflicts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.DefaultStoreConfig())
	now := time.Now().UTC()

	first := commitAt("s", 1, 1, now)
	mustCommit(t, store, first)

	t.Run("same sequence different id is a concurrency conflict", func(t *testing.T) {
		competing := commitAt("s", 1, 1, now)
		if err := store.Commit(ctx, competing); !errors.Is(err, es.ErrConcurrency) {
			t.Fatalf("expected ErrConcurrency, got %v", err)
		}
	})

	t.Run("same commit id is a duplicate", func(t *testing.T) {
		replay := *first
		if err := store.Commit(ctx, &replay); !errors.Is(err, es.ErrDuplicateCommit) {
			t.Fatalf("expected ErrDuplicateCommit, got %v", err)
		}
	})

	t.Run("exactly one commit persisted", func(t *testing.T) {
		cur, err := store.ReadStream(ctx, "s", 0, 0)
		commits := readAll(t, cur, err)
		if len(commits) != 1 {
			t.Fatalf("expected 1 commit, got %d", len(commits))
		}
		if len(commits[0].Events) != 1 {
			t.Errorf("expected 1 event, got %d", len(commits[0].Events))
		}
	})
}

func TestStore_ReadStream_RevisionOverlap(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.DefaultStoreConfig())
	now := time.Now().UTC()

	// Commit 1 covers revisions 1-2, commit 2 covers 3-5, commit 3 covers 6.
	mustCommit(t, store, commitAt("s", 1, 2, now, `{}`, `{}`))
	mustCommit(t, store, commitAt("s", 2, 5, now, `{}`, `{}`, `{}`))
	mustCommit(t, store, commitAt("s", 3, 6, now, `{}`))

	tests := []struct {
		name     string
		min, max int
		want     int
	}{
		{"full range", 0, 0, 3},
		{"overlapping window", 2, 3, 2},
		{"inner window", 4, 4, 1},
		{"tail", 6, 0, 1},
		{"past head", 7, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur, err := store.ReadStream(ctx, "s", tt.min, tt.max)
			commits := readAll(t, cur, err)
			if len(commits) != tt.want {
				t.Errorf("got %d commits, want %d", len(commits), tt.want)
			}
			for i := 1; i < len(commits); i++ {
				if commits[i].Sequence != commits[i-1].Sequence+1 {
					t.Error("commits must come back in ascending dense sequence order")
				}
			}
		})
	}
}

func TestStore_PartitionIsolation(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDatabase()
	storeA := db.NewStore(memory.StoreConfig{Partition: "a"})
	storeB := db.NewStore(memory.StoreConfig{Partition: "b"})
	now := time.Now().UTC()

	mustCommit(t, storeA, commitAt("X", 1, 1, now))
	mustCommit(t, storeB, commitAt("X", 1, 1, now))

	cur, err := storeA.ReadStream(ctx, "X", 0, 0)
	if got := readAll(t, cur, err); len(got) != 1 || got[0].Partition != "a" {
		t.Fatalf("partition a should only see its own commit")
	}
	cur, err = storeA.ReadSince(ctx, now.Add(-time.Hour))
	if got := readAll(t, cur, err); len(got) != 1 {
		t.Fatalf("time sweep must not cross partitions, got %d commits", len(got))
	}
	cur, err = storeA.Undispatched(ctx)
	if got := readAll(t, cur, err); len(got) != 1 {
		t.Fatalf("undispatched sweep must not cross partitions, got %d commits", len(got))
	}

	if err := storeA.Purge(ctx); err != nil {
		t.Fatalf("Purge returned %v", err)
	}
	cur, err = storeA.ReadStream(ctx, "X", 0, 0)
	if got := readAll(t, cur, err); len(got) != 0 {
		t.Error("purged partition should be empty")
	}
	cur, err = storeB.ReadStream(ctx, "X", 0, 0)
	if got := readAll(t, cur, err); len(got) != 1 {
		t.Error("purge must leave other partitions intact")
	}
}

func TestStore_UndispatchedSweep(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.DefaultStoreConfig())
	base := time.Now().UTC()

	c1 := commitAt("s1", 1, 1, base)
	c2 := commitAt("s2", 1, 1, base.Add(time.Second))
	c3 := commitAt("s3", 1, 1, base.Add(2*time.Second))
	mustCommit(t, store, c1)
	mustCommit(t, store, c2)
	mustCommit(t, store, c3)

	cur, err := store.Undispatched(ctx)
	undispatched := readAll(t, cur, err)
	if len(undispatched) != 3 {
		t.Fatalf("expected 3 undispatched commits, got %d", len(undispatched))
	}
	for i, want := range []*es.Commit{c1, c2, c3} {
		if undispatched[i].CommitID != want.CommitID {
			t.Fatalf("undispatched commits out of stamp order at %d", i)
		}
	}

	if err := store.MarkDispatched(ctx, c2); err != nil {
		t.Fatalf("MarkDispatched returned %v", err)
	}
	// Idempotent: marking again changes nothing.
	if err := store.MarkDispatched(ctx, c2); err != nil {
		t.Fatalf("second MarkDispatched returned %v", err)
	}

	cur, err = store.Undispatched(ctx)
	remaining := readAll(t, cur, err)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 undispatched commits, got %d", len(remaining))
	}
	if remaining[0].CommitID != c1.CommitID || remaining[1].CommitID != c3.CommitID {
		t.Error("expected [c1, c3] after dispatching c2")
	}
}

func TestStore_TimeRangeReads(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDatabase()
	store := db.NewStore(memory.StoreConfig{Partition: "main"})
	other := db.NewStore(memory.StoreConfig{Partition: "other"})
	base := time.Now().UTC()

	for i := 0; i < 4; i++ {
		mustCommit(t, store, commitAt("s", i+1, i+1, base.Add(time.Duration(i)*time.Second)))
	}
	mustCommit(t, other, commitAt("s", 1, 1, base.Add(48*time.Hour)))

	cur, err := store.ReadSince(ctx, base.Add(time.Second))
	since := readAll(t, cur, err)
	if len(since) != 3 {
		t.Fatalf("ReadSince: expected 3 commits, got %d", len(since))
	}
	for i := 1; i < len(since); i++ {
		if since[i].Stamp.Before(since[i-1].Stamp) {
			t.Error("ReadSince must be ascending by stamp")
		}
	}

	cur, err = store.ReadBetween(ctx, base.Add(time.Second), base.Add(3*time.Second))
	between := readAll(t, cur, err)
	if len(between) != 2 {
		t.Fatalf("ReadBetween: expected 2 commits, got %d", len(between))
	}
}

func TestStore_SnapshotBookkeeping(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.DefaultStoreConfig())
	now := time.Now().UTC()

	mustCommit(t, store, commitAt("s", 1, 3, now, `{}`, `{}`, `{}`))

	heads, err := store.StreamsToSnapshot(ctx, 3)
	if err != nil {
		t.Fatalf("StreamsToSnapshot returned %v", err)
	}
	if len(heads) != 1 || heads[0].HeadRevision != 3 || heads[0].SnapshotRevision != 0 {
		t.Fatalf("expected fresh head 3/0, got %+v", heads)
	}

	if ok := store.AddSnapshot(ctx, &es.Snapshot{StreamID: "s", Revision: 2, Payload: []byte(`{}`)}); !ok {
		t.Fatal("AddSnapshot returned false")
	}

	if heads, _ := store.StreamsToSnapshot(ctx, 2); len(heads) != 0 {
		t.Error("stream with lag 1 should not be returned at threshold 2")
	}
	heads, _ = store.StreamsToSnapshot(ctx, 1)
	if len(heads) != 1 || heads[0].SnapshotRevision != 2 || heads[0].Unsnapshotted() != 1 {
		t.Errorf("expected head with snapshot revision 2 and lag 1, got %+v", heads)
	}
}

func TestStore_SnapshotOrdering(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.DefaultStoreConfig())
	now := time.Now().UTC()

	mustCommit(t, store, commitAt("lagging", 1, 5, now, `{}`, `{}`, `{}`, `{}`, `{}`))
	mustCommit(t, store, commitAt("fresh", 1, 2, now, `{}`, `{}`))

	heads, err := store.StreamsToSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("StreamsToSnapshot returned %v", err)
	}
	if len(heads) != 2 || heads[0].StreamID != "lagging" {
		t.Errorf("most-lagging stream must come first, got %+v", heads)
	}
}

func TestStore_LoadSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.DefaultStoreConfig())
	now := time.Now().UTC()

	mustCommit(t, store, commitAt("s", 1, 6, now, `{}`, `{}`, `{}`, `{}`, `{}`, `{}`))
	for _, rev := range []int{2, 4, 6} {
		if ok := store.AddSnapshot(ctx, &es.Snapshot{StreamID: "s", Revision: rev, Payload: []byte{byte(rev)}}); !ok {
			t.Fatalf("AddSnapshot(%d) returned false", rev)
		}
	}

	tests := []struct {
		name    string
		max     int
		wantRev int
		wantNil bool
	}{
		{"unbounded returns latest", 0, 6, false},
		{"bounded picks highest at or below", 5, 4, false},
		{"exact", 4, 4, false},
		{"below first", 1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := store.LoadSnapshot(ctx, "s", tt.max)
			if err != nil {
				t.Fatalf("LoadSnapshot returned %v", err)
			}
			if tt.wantNil {
				if snap != nil {
					t.Fatalf("expected no snapshot, got revision %d", snap.Revision)
				}
				return
			}
			if snap == nil || snap.Revision != tt.wantRev {
				t.Fatalf("expected snapshot revision %d, got %+v", tt.wantRev, snap)
			}
		})
	}

	// Upsert: re-adding revision 4 replaces the payload.
	if ok := store.AddSnapshot(ctx, &es.Snapshot{StreamID: "s", Revision: 4, Payload: []byte("new")}); !ok {
		t.Fatal("AddSnapshot upsert returned false")
	}
	snap, _ := store.LoadSnapshot(ctx, "s", 4)
	if snap == nil || string(snap.Payload) != "new" {
		t.Error("upsert should replace the snapshot payload")
	}
}

func TestStore_AddSnapshot_Invalid(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.DefaultStoreConfig())

	if store.AddSnapshot(ctx, nil) {
		t.Error("nil snapshot should be rejected")
	}
	if store.AddSnapshot(ctx, &es.Snapshot{StreamID: "", Revision: 1}) {
		t.Error("snapshot without stream id should be rejected")
	}
	if store.AddSnapshot(ctx, &es.Snapshot{StreamID: "s", Revision: 0}) {
		t.Error("snapshot at revision 0 should be rejected")
	}
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.DefaultStoreConfig())
	if err := store.Close(); err != nil {
		t.Fatalf("Close returned %v", err)
	}

	if err := store.Commit(ctx, commitAt("s", 1, 1, time.Now())); !errors.Is(err, es.ErrClosed) {
		t.Errorf("Commit after Close should return ErrClosed, got %v", err)
	}
	if _, err := store.ReadStream(ctx, "s", 0, 0); !errors.Is(err, es.ErrClosed) {
		t.Errorf("ReadStream after Close should return ErrClosed, got %v", err)
	}
	if store.AddSnapshot(ctx, &es.Snapshot{StreamID: "s", Revision: 1}) {
		t.Error("AddSnapshot after Close should report false")
	}
}

func TestStore_CancelledContext(t *testing.T) {
	store := memory.NewStore(memory.DefaultStoreConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.ReadStream(ctx, "s", 0, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := store.Commit(ctx, commitAt("s", 1, 1, time.Now())); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
