// Package eventstore is the entry point for the event store library.
//
// For the persistence engine itself, see the es package and its
// subpackages:
//
//	es                    - Core types, stream engine, and facade
//	es/adapters/memory    - In-memory backend
//	es/adapters/sqlstore  - Shared relational engine
//	es/adapters/postgres  - PostgreSQL dialect
//	es/adapters/mysql     - MySQL dialect
//	es/adapters/sqlite    - SQLite dialect
//	es/adapters/pebble    - Pebble key-value backend
//	es/dispatch           - Undispatched commit scheduler
//	es/migrations         - Schema migration generation
//
// Quick Start:
//
//  1. Generate migrations (relational backends):
//     go run github.com/valeriob/eventstore/cmd/migrate-gen -adapter postgres -output migrations
//
//  2. Open a store and commit:
//     store := postgres.NewStore(db)
//     facade := es.NewEventStore(store)
//     stream := facade.CreateStream("order-42")
//     stream.Append(es.EventMessage{Body: payload})
//     err := stream.CommitChanges(ctx, uuid.New())
//
// The repository has no examples directory; the es package documentation
// carries a fuller Quick Start.
package eventstore

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
