// Package notify implements the change-notification registry.
//
// The registry sits on the writer path: every row-level mutation is
// recorded into an ordered buffer for the transaction that made it. When
// that transaction commits, the buffer is sealed into a batch and later
// flushed to all live observers, one delivery per committed transaction;
// when it rolls back, the buffer is discarded and nobody hears about it.
// A sealed batch is durable: a later failure in the same write block
// cannot retract it.
//
// # Ordering
//
// Flushes run on the writer path, which is totally ordered by the write
// coordinator. Observers therefore receive change batches in exactly the
// order transactions committed.
//
// # Liveness
//
// Registrations hold a plain reference plus an owner-supplied liveness
// predicate. An observer whose predicate reports dead is skipped at the
// next flush and pruned from the registry. Owners that don't supply a
// predicate must call RemoveObserver on teardown.
//
// # Failure isolation
//
// A panicking observer never aborts the commit path: panics are recovered
// per-observer and reported through the registry's error sink.
package notify
