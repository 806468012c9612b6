package pebble_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	pebbledb "github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/valeriob/eventstore/es"
	"github.com/valeriob/eventstore/es/adapters/pebble"
)

func openTestStore(t *testing.T) *pebble.Store {
	t.Helper()
	store, err := pebble.Open(filepath.Join(t.TempDir(), "db"), pebble.DefaultStoreConfig())
	if err != nil {
		t.Fatalf("Open returned %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize returned %v", err)
	}
	return store
}

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

func TestStore_CommitAndReadStream(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC()

	mustCommit(t, store, commitAt("order-1", 1, 2, now, `{"n":1}`, `{"n":2}`))
	mustCommit(t, store, commitAt("order-1", 2, 3, now.Add(time.Second), `{"n":3}`))

	commitsCur, commitsErr := store.ReadStream(ctx, "order-1", 0, 0)

	commits := readAll(t, commitsCur, commitsErr)
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].Sequence != 1 || commits[1].Sequence != 2 {
		t.Error("commits should come back in sequence order")
	}
	if string(commits[0].Events[1].Body) != `{"n":2}` {
		t.Error("event payload lost in round trip")
	}

	windowedCur, windowedErr := store.ReadStream(ctx, "order-1", 3, 0)

	windowed := readAll(t, windowedCur, windowedErr)
	if len(windowed) != 1 || windowed[0].Sequence != 2 {
		t.Errorf("revision window should return only the second commit")
	}
}

func TestStore_Conflicts(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC()

	first := commitAt("s", 1, 1, now)
	mustCommit(t, store, first)

	competing := commitAt("s", 1, 1, now)
	if err := store.Commit(ctx, competing); !errors.Is(err, es.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency, got %v", err)
	}

	replay := *first
	if err := store.Commit(ctx, &replay); !errors.Is(err, es.ErrDuplicateCommit) {
		t.Fatalf("expected ErrDuplicateCommit, got %v", err)
	}

	// Same commit id at a different sequence is still a duplicate.
	moved := *first
	moved.Sequence = 2
	moved.Revision = 2
	if err := store.Commit(ctx, &moved); !errors.Is(err, es.ErrDuplicateCommit) {
		t.Fatalf("expected ErrDuplicateCommit for moved replay, got %v", err)
	}
}

func TestStore_UndispatchedSweep(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Now().UTC()

	c1 := commitAt("s1", 1, 1, base)
	c2 := commitAt("s2", 1, 1, base.Add(time.Second))
	c3 := commitAt("s3", 1, 1, base.Add(2*time.Second))
	mustCommit(t, store, c1)
	mustCommit(t, store, c2)
	mustCommit(t, store, c3)

	undispatchedCur, undispatchedErr := store.Undispatched(ctx)
	undispatched := readAll(t, undispatchedCur, undispatchedErr)
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
	if err := store.MarkDispatched(ctx, c2); err != nil {
		t.Fatalf("second MarkDispatched returned %v", err)
	}
	if err := store.MarkDispatched(ctx, commitAt("ghost", 1, 1, base)); err != nil {
		t.Fatalf("MarkDispatched on unknown commit returned %v", err)
	}

	remainingCur, remainingErr := store.Undispatched(ctx)
	remaining := readAll(t, remainingCur, remainingErr)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 undispatched commits, got %d", len(remaining))
	}
	if remaining[0].CommitID != c1.CommitID || remaining[1].CommitID != c3.CommitID {
		t.Error("expected [c1, c3] after dispatching c2")
	}

	// The dispatched flag is visible on stream reads too.
	commitsCur, commitsErr := store.ReadStream(ctx, "s2", 0, 0)
	commits := readAll(t, commitsCur, commitsErr)
	if len(commits) != 1 || !commits[0].Dispatched {
		t.Error("dispatched flag should persist on the commit record")
	}
}

func TestStore_TimeRangeReads(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 4; i++ {
		mustCommit(t, store, commitAt("s", i+1, i+1, base.Add(time.Duration(i)*time.Second)))
	}

	sinceCur, sinceErr := store.ReadSince(ctx, base.Add(time.Second))
	since := readAll(t, sinceCur, sinceErr)
	if len(since) != 3 {
		t.Fatalf("ReadSince: expected 3 commits, got %d", len(since))
	}

	betweenCur, betweenErr := store.ReadBetween(ctx, base.Add(time.Second), base.Add(3*time.Second))
	between := readAll(t, betweenCur, betweenErr)
	if len(between) != 2 {
		t.Fatalf("ReadBetween: expected 2 commits, got %d", len(between))
	}
	if between[0].Sequence != 2 || between[1].Sequence != 3 {
		t.Error("ReadBetween should cover [start, end)")
	}
}

func TestStore_PartitionIsolation(t *testing.T) {
	ctx := context.Background()
	db, err := pebbledb.Open(filepath.Join(t.TempDir(), "db"), &pebbledb.Options{})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	storeA := pebble.NewStore(db, pebble.StoreConfig{Partition: "a", Sync: false})
	storeB := pebble.NewStore(db, pebble.StoreConfig{Partition: "b", Sync: false})
	t.Cleanup(func() {
		storeA.Close()
		storeB.Close()
		db.Close()
	})
	now := time.Now().UTC()

	mustCommit(t, storeA, commitAt("X", 1, 1, now))
	mustCommit(t, storeB, commitAt("X", 1, 1, now))

	cur, err := storeA.ReadStream(ctx, "X", 0, 0)
	if got := readAll(t, cur, err); len(got) != 1 || got[0].Partition != "a" {
		t.Fatal("partition a should only see its own commit")
	}
	cur, err = storeA.ReadSince(ctx, now.Add(-time.Hour))
	if got := readAll(t, cur, err); len(got) != 1 {
		t.Fatalf("time sweep must not cross partitions, got %d", len(got))
	}
	cur, err = storeA.Undispatched(ctx)
	if got := readAll(t, cur, err); len(got) != 1 {
		t.Fatalf("undispatched sweep must not cross partitions, got %d", len(got))
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

func TestStore_SnapshotBookkeeping(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC()

	mustCommit(t, store, commitAt("s", 1, 3, now, `{}`, `{}`, `{}`))
	store.Flush()

	heads, err := store.StreamsToSnapshot(ctx, 3)
	if err != nil {
		t.Fatalf("StreamsToSnapshot returned %v", err)
	}
	if len(heads) != 1 || heads[0].HeadRevision != 3 || heads[0].SnapshotRevision != 0 {
		t.Fatalf("expected fresh head 3/0, got %+v", heads)
	}

	if ok := store.AddSnapshot(ctx, &es.Snapshot{StreamID: "s", Revision: 2, Payload: []byte(`{"v":2}`)}); !ok {
		t.Fatal("AddSnapshot returned false")
	}
	if heads, _ := store.StreamsToSnapshot(ctx, 2); len(heads) != 0 {
		t.Error("stream with lag 1 should not be returned at threshold 2")
	}
	if heads, _ := store.StreamsToSnapshot(ctx, 1); len(heads) != 1 {
		t.Error("stream with lag 1 should be returned at threshold 1")
	}

	snap, err := store.LoadSnapshot(ctx, "s", 0)
	if err != nil {
		t.Fatalf("LoadSnapshot returned %v", err)
	}
	if snap == nil || snap.Revision != 2 || string(snap.Payload) != `{"v":2}` {
		t.Errorf("expected snapshot at revision 2, got %+v", snap)
	}
	if snap, _ := store.LoadSnapshot(ctx, "s", 1); snap != nil {
		t.Error("no snapshot exists at or below revision 1")
	}
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")
	now := time.Now().UTC()

	store, err := pebble.Open(dir, pebble.DefaultStoreConfig())
	if err != nil {
		t.Fatalf("Open returned %v", err)
	}
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize returned %v", err)
	}
	first := commitAt("s", 1, 1, now)
	mustCommit(t, store, first)
	if err := store.Close(); err != nil {
		t.Fatalf("Close returned %v", err)
	}

	reopened, err := pebble.Open(dir, pebble.DefaultStoreConfig())
	if err != nil {
		t.Fatalf("reopen returned %v", err)
	}
	defer reopened.Close()
	if err := reopened.Initialize(ctx); err != nil {
		t.Fatalf("Initialize after reopen returned %v", err)
	}

	commitsCur, commitsErr := reopened.ReadStream(ctx, "s", 0, 0)
	commits := readAll(t, commitsCur, commitsErr)
	if len(commits) != 1 || commits[0].CommitID != first.CommitID {
		t.Fatal("commit should survive reopen")
	}
	// The insertion ordinal is persisted, so ties keep breaking correctly.
	mustCommit(t, reopened, commitAt("s", 2, 2, now))
	undispatchedCur, undispatchedErr := reopened.Undispatched(ctx)
	undispatched := readAll(t, undispatchedCur, undispatchedErr)
	if len(undispatched) != 2 {
		t.Fatalf("expected 2 undispatched commits after reopen, got %d", len(undispatched))
	}
	if undispatched[0].CommitID != first.CommitID {
		t.Error("insertion order should break the stamp tie across restarts")
	}
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	store, err := pebble.Open(filepath.Join(t.TempDir(), "db"), pebble.DefaultStoreConfig())
	if err != nil {
		t.Fatalf("Open returned %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close returned %v", err)
	}

	if err := store.Commit(ctx, commitAt("s", 1, 1, time.Now())); !errors.Is(err, es.ErrClosed) {
		t.Errorf("Commit after Close should return ErrClosed, got %v", err)
	}
	if _, err := store.ReadStream(ctx, "s", 0, 0); !errors.Is(err, es.ErrClosed) {
		t.Errorf("ReadStream after Close should return ErrClosed, got %v", err)
	}
}
