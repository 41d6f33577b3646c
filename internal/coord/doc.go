// Package coord serializes writes and isolates reads over a single SQLite
// database file.
//
// SQLite allows one writer at a time and offers no native multi-reader/
// single-writer coordination. This package provides it with three pieces:
//
//   - Write coordinator: all writes run on one connection, mutually
//     exclusive, queued FIFO so no writer starves. Reentrant Write calls
//     fail fast instead of deadlocking.
//   - Read strategies: serialized (reads run inline on the writer
//     connection) or snapshot-pool (a bounded pool of read-only
//     connections, each read anchored to a WAL snapshot so it never sees
//     a later commit).
//   - Change notification: row-level mutations buffer while their
//     transaction is open and flush to observers once it commits, one
//     batch per committed transaction, in commit order; rollbacks notify
//     nobody.
//
// # Invariants
//
//   - At most one write executes at any instant, across all goroutines.
//   - No reader observes a write's uncommitted state.
//   - Observers hear about commits only, in commit order.
//   - A connection is owned by exactly one goroutine at a time.
//
// # Transaction discipline
//
// Write runs its block in autocommit mode; the block may open its own
// transaction through the connection, and anything left open is committed
// on success or rolled back on failure. WriteTx wraps the block in one
// immediate transaction. Snapshot-pool ReadFromWrite requires autocommit
// mode: a snapshot can only include what has committed, so the statements
// issued before the call are visible to the read exactly when they are
// not trapped in an open transaction.
//
// # Asynchronous errors
//
// Snapshot-pool ReadFromWrite returns before its block runs. Block errors
// are delivered to the coordinator's ErrorSink; the default sink logs
// them. They are never silently dropped.
package coord
