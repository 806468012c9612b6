// Package es provides event sourcing persistence infrastructure.
//
// # Overview
//
// This package defines the core of the commit pipeline:
//   - Commit, Snapshot, StreamHead: immutable persistence records
//   - Store: the uniform contract every backend implements
//   - PipelineHook: the filter chain around the commit flow
//   - EventStore: the facade creating streams and running the hook chain
//   - Stream: the optimistic event stream with conflict rebase
//
// # Design Philosophy
//
// Clean Architecture: the core is backend-agnostic. Infrastructure
// concerns (PostgreSQL, MySQL, SQLite, Pebble) are isolated in adapter
// packages under es/adapters.
//
// Immutability: commits and snapshots are value objects owned by the
// persistence layer once accepted. The only mutation ever applied is the
// dispatched flag flipping from false to true.
//
// Laziness: reads return pull-based cursors that drive backend I/O as
// they are consumed; backends stream rows and iterators rather than
// materializing result sets.
//
// # Quick Start
//
// 1. Create a store and facade:
//
//	store := memory.NewStore(memory.DefaultStoreConfig())
//	facade := es.NewEventStore(store)
//	defer facade.Close()
//
// 2. Commit events through a stream:
//
//	stream := facade.CreateStream("order-42")
//	stream.Append(es.EventMessage{Body: payload})
//	if err := stream.CommitChanges(ctx, uuid.New()); err != nil {
//	    // errors.Is(err, es.ErrConcurrency): stream has been rebased,
//	    // inspect the fresh history and retry with a new commit id.
//	}
//
// 3. Reopen the stream later:
//
//	stream, err := facade.OpenStream(ctx, "order-42", 0, 0)
//
// # Optimistic Concurrency
//
// Writers never lock. Every commit claims the next commit sequence of its
// stream; the persistence layer's unique constraint arbitrates races and
// the loser receives ErrConcurrency after its stream has rebased onto the
// winner's commits. The pending events survive the rebase, so retrying is
// appending the same intent on top of fresh history.
//
// # Dispatch
//
// Commits persist with dispatched = false. A scheduler (see es/dispatch)
// drains them to downstream observers at least once and marks them
// dispatched; until then they remain discoverable via Undispatched.
//
// # Partitions
//
// Every store is scoped to one partition fixed at construction. Stores
// over the same physical database with different partitions are mutually
// invisible, including Purge.
package es
