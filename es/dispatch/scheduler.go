// Package dispatch provides the polling scheduler that drains
// undispatched commits to a downstream transport.
//
// Delivery is at-least-once: a commit is only marked dispatched after the
// transport accepted it, so a crash between the two leaves the commit
// discoverable for the next sweep. Downstream consumers must deduplicate
// by commit ID.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valeriob/eventstore/es"
)

// Dispatcher delivers a commit to a downstream transport.
type Dispatcher interface {
	// Dispatch delivers one commit. Returning an error stops the current
	// sweep; the commit stays undispatched and is retried next interval.
	Dispatch(ctx context.Context, commit *es.Commit) error

	// Close releases transport resources.
	Close() error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, commit *es.Commit) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, commit *es.Commit) error {
	return f(ctx, commit)
}

// Close implements Dispatcher.
func (DispatcherFunc) Close() error { return nil }

// SchedulerConfig configures a dispatch scheduler.
type SchedulerConfig struct {
	// Interval is the polling interval between sweeps.
	Interval time.Duration

	// Logger is an optional logger for observability.
	Logger es.Logger

	// Metrics is an optional metrics implementation.
	Metrics es.Metrics
}

// DefaultSchedulerConfig returns the default configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Second,
	}
}

// Scheduler polls a store for undispatched commits and hands them to a
// dispatcher in commit-stamp order.
type Scheduler struct {
	store      es.Store
	dispatcher Dispatcher
	config     SchedulerConfig
}

// NewScheduler creates a scheduler over the given store and dispatcher.
// Both are owned by the caller.
func NewScheduler(store es.Store, dispatcher Dispatcher, config SchedulerConfig) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	if config.Logger == nil {
		config.Logger = es.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = es.NopMetrics{}
	}
	return &Scheduler{store: store, dispatcher: dispatcher, config: config}
}

// Run sweeps undispatched commits until the context is cancelled. A sweep
// failure is logged and retried on the next tick; Run only returns the
// context's error.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.config.Logger.Error(ctx, "dispatch sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep dispatches every currently undispatched commit once, in order.
// It stops at the first transport or store failure so ordering per stream
// is preserved across retries.
func (s *Scheduler) Sweep(ctx context.Context) error {
	cur, err := s.store.Undispatched(ctx)
	if err != nil {
		return fmt.Errorf("read undispatched: %w", err)
	}
	defer cur.Close()

	dispatched := 0
	for cur.Next() {
		commit := cur.Commit()
		if err := s.dispatcher.Dispatch(ctx, commit); err != nil {
			return fmt.Errorf("dispatch commit %s: %w", commit.CommitID, err)
		}
		if err := s.store.MarkDispatched(ctx, commit); err != nil {
			return fmt.Errorf("mark dispatched %s: %w", commit.CommitID, err)
		}
		dispatched++
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("undispatched cursor: %w", err)
	}

	if dispatched > 0 {
		s.config.Metrics.CommitsDispatched(s.store.Partition(), dispatched)
		s.config.Logger.Debug(ctx, "dispatch sweep complete", "commits", dispatched)
	}
	return nil
}
