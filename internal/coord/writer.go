package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/accord/internal/conn"
	"github.com/roach88/accord/internal/notify"
)

// writerKey marks contexts that hold writer access.
type writerKey struct{}

// withWriterAccess marks ctx as holding writer access.
func withWriterAccess(ctx context.Context) context.Context {
	return context.WithValue(ctx, writerKey{}, true)
}

// withoutWriterAccess clears the writer marker for work that outlives the
// write block, such as detached snapshot reads.
func withoutWriterAccess(ctx context.Context) context.Context {
	return context.WithValue(ctx, writerKey{}, false)
}

// HoldsWriterAccess reports whether ctx was issued inside a write block.
// Blocks must propagate the context they receive; reentrancy detection
// depends on it.
func HoldsWriterAccess(ctx context.Context) bool {
	held, _ := ctx.Value(writerKey{}).(bool)
	return held
}

// fifoLock is a mutual-exclusion lock with strict FIFO handoff.
//
// sync.Mutex makes no fairness promise, and writer serialization requires
// one: no caller may be starved while later arrivals keep completing. The
// lock keeps an explicit waiter queue and hands ownership to the oldest
// waiter on unlock.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// lock acquires the lock, queuing in FIFO order. It respects ctx only
// while waiting; once acquired, the lock is held until unlock.
func (l *fifoLock) lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	l.waiters = append(l.waiters, grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == grant {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The handoff raced the cancellation: we own the lock but no
		// longer want it. Pass it on.
		l.unlock()
		return ctx.Err()
	}
}

// unlock releases the lock, handing it to the oldest waiter if any.
func (l *fifoLock) unlock() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		grant := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		// held stays true: ownership transfers directly.
		close(grant)
		return
	}
	l.held = false
	l.mu.Unlock()
}

// writeCoordinator serializes all write operations onto the single writer
// connection and owns the commit/rollback of the notification buffer.
type writeCoordinator struct {
	lock     fifoLock
	conn     *conn.Conn
	registry *notify.Registry
	log      *slog.Logger
}

func newWriteCoordinator(c *conn.Conn, registry *notify.Registry, log *slog.Logger) *writeCoordinator {
	return &writeCoordinator{conn: c, registry: registry, log: log}
}

// run executes fn with exclusive writer access.
//
// With implicitTx set, fn runs inside BEGIN IMMEDIATE … COMMIT. Without
// it, fn runs in autocommit mode and may manage its own transaction
// through the Conn; a transaction fn leaves open is committed on success
// and rolled back on failure.
//
// The error returned by fn propagates to the caller unchanged. Once fn
// starts it always runs to completion; ctx cancellation is honored only
// while waiting for writer access.
//
// Change notification follows the engine's transaction boundaries: the
// commit hook seals a batch at every commit (each autocommit statement is
// its own commit), the rollback hook discards what never committed, and
// the sealed batches flush before writer access is released. A failing
// block therefore cannot retract notifications for changes it already
// made durable.
func (w *writeCoordinator) run(ctx context.Context, implicitTx bool, fn func(ctx context.Context, c *conn.Conn) error) error {
	if HoldsWriterAccess(ctx) {
		return &ReentrancyError{Op: "write"}
	}
	if err := w.lock.lock(ctx); err != nil {
		return fmt.Errorf("acquire writer access: %w", err)
	}
	defer w.lock.unlock()

	wctx := withWriterAccess(ctx)

	if implicitTx {
		if err := w.conn.BeginImmediate(wctx); err != nil {
			return err
		}
	}

	err := fn(wctx, w.conn)

	if err == nil && w.conn.InTransaction() {
		err = w.conn.Commit(wctx)
	}
	if err != nil && w.conn.InTransaction() {
		if rerr := w.conn.Rollback(wctx); rerr != nil {
			w.log.Error("rollback after failed write", "error", rerr)
		}
	}

	// Events still pending belong to no commit; sealed batches do, and are
	// delivered whether or not the block as a whole succeeded.
	w.registry.DiscardPending()
	w.registry.Flush()
	return err
}

// barrier executes fn with exclusive writer access but with no transaction
// management and no notification flush. Used for exclusive maintenance
// operations such as credential rotation, which must run outside any
// transaction.
func (w *writeCoordinator) barrier(ctx context.Context, fn func(ctx context.Context, c *conn.Conn) error) error {
	if HoldsWriterAccess(ctx) {
		return &ReentrancyError{Op: "exclusive"}
	}
	if err := w.lock.lock(ctx); err != nil {
		return fmt.Errorf("acquire writer access: %w", err)
	}
	defer w.lock.unlock()
	return fn(withWriterAccess(ctx), w.conn)
}
