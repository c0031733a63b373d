// Package sqlite implements storage.MetadataStore on SQLite.
//
// The store uses modernc.org/sqlite, a pure Go SQLite implementation, so
// the pipeline builds without CGO. Two tables live in one database file:
//
//   - chunks: one row per stored vector, keyed by (document_id, position)
//   - ingestion_log: one audit row per job that reached a terminal state
//
// # Schema
//
// The schema is managed through versioned migrations embedded from the
// migrations/ directory and applied on open.
//
// # Thread Safety
//
// All operations are thread-safe. The database runs in WAL mode with a
// busy timeout so concurrent workers queue on the write lock.
package sqlite
