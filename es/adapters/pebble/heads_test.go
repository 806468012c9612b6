package pebble

import (
	"errors"
	"sync"
	"testing"

	"github.com/valeriob/eventstore/es"
)

func TestHeadTracker_AppliesInOrder(t *testing.T) {
	var mu sync.Mutex
	var applied []headUpdate

	tracker := newHeadTracker(func(u headUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, u)
		return nil
	}, es.NoOpLogger{})

	tracker.Enqueue("a", 1)
	tracker.Enqueue("a", 2)
	tracker.Enqueue("b", 1)
	tracker.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 3 {
		t.Fatalf("expected 3 applied updates, got %d", len(applied))
	}
	if applied[0].streamID != "a" || applied[0].revision != 1 {
		t.Error("updates should apply in enqueue order")
	}

	tracker.Close()
}

func TestHeadTracker_RetriesThenDrops(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	tracker := newHeadTracker(func(headUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("disk full")
	}, es.NoOpLogger{})

	tracker.Enqueue("a", 1)
	tracker.Flush()
	tracker.Close()

	mu.Lock()
	defer mu.Unlock()
	if attempts != headUpdateMaxAttempts {
		t.Errorf("expected %d attempts before dropping, got %d", headUpdateMaxAttempts, attempts)
	}
}

func TestHeadTracker_CloseDrains(t *testing.T) {
	var mu sync.Mutex
	applied := 0

	tracker := newHeadTracker(func(headUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		applied++
		return nil
	}, es.NoOpLogger{})

	for i := 0; i < 100; i++ {
		tracker.Enqueue("s", i+1)
	}
	tracker.Close()

	mu.Lock()
	defer mu.Unlock()
	if applied != 100 {
		t.Errorf("Close should drain the queue, applied %d of 100", applied)
	}

	// Enqueue after Close is a no-op rather than a panic.
	tracker.Enqueue("s", 101)
}
