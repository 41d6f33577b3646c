// Package conn wraps a single SQLite session behind an explicit handle.
//
// A Conn is deliberately NOT a connection pool: it is one handle bound to
// exactly one underlying SQLite session, built on database/sql with the
// pool clamped to a single connection. This makes manual transaction
// control (BEGIN DEFERRED / BEGIN IMMEDIATE / COMMIT / ROLLBACK issued as
// statements) safe, because every statement is guaranteed to run on the
// same session.
//
// # Ownership
//
// A Conn is not safe for concurrent use. The coordination layer above
// guarantees that a Conn is owned by exactly one goroutine at a time:
// either the current writer, or one reader-pool slot.
//
// # Configuration
//
//   - WAL mode: Concurrent reads during writes (writer handles only)
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout: Wait for locks instead of failing immediately
//   - foreign_keys=ON: Enforce referential integrity
//   - mode=ro + query_only: Read-only handles cannot write
//
// # Errors
//
// Engine-level failures surface as *EngineError carrying the SQLite
// result code, so callers can distinguish constraint violations from
// busy/locked conditions without importing the driver package.
package conn
