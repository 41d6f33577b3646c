package coord

import (
	"context"
	"fmt"

	"github.com/roach88/accord/internal/conn"
)

// serializedReads executes reads on the writer connection itself.
//
// No real concurrency, maximal isolation: because writes are totally
// ordered and the block runs inline, a nested read sees exactly the
// writer's mid-transaction state at the moment of the call — everything
// the enclosing block has done so far, nothing it does afterwards.
//
// This is the correct strategy when a single connection underlies the
// whole coordinator, and the documented fallback when the engine cannot
// provide WAL snapshots.
type serializedReads struct {
	writer *writeCoordinator
}

func newSerializedReads(w *writeCoordinator) *serializedReads {
	return &serializedReads{writer: w}
}

// ReadFromWrite runs fn inline on the writer connection. Callable only
// while ctx holds writer access.
func (s *serializedReads) ReadFromWrite(ctx context.Context, fn ReadFunc) error {
	if !HoldsWriterAccess(ctx) {
		return &MisuseError{Op: "readFromWrite", Message: "not inside a write block"}
	}
	return fn(ctx, s.writer.conn)
}

// Read runs fn on the writer connection under a deferred transaction,
// serialized behind any in-flight write. When called from inside a write
// block it runs inline instead, on the writer's current view.
func (s *serializedReads) Read(ctx context.Context, fn ReadFunc) error {
	if HoldsWriterAccess(ctx) {
		return fn(ctx, s.writer.conn)
	}
	return s.writer.barrier(ctx, func(wctx context.Context, c *conn.Conn) error {
		if err := c.BeginDeferred(wctx); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		err := fn(wctx, c)
		if rerr := c.Rollback(wctx); rerr != nil && err == nil {
			err = rerr
		}
		// A block on the writer handle can reach the update hook; whatever
		// it recorded was just rolled back and must not ride along with the
		// next write's flush.
		s.writer.registry.DiscardPending()
		return err
	})
}

// drain is a no-op: there is no pool, and writer serialization already
// excludes readers during exclusive operations.
func (s *serializedReads) drain(context.Context) error { return nil }

func (s *serializedReads) resume() {}

func (s *serializedReads) invalidate() {}

func (s *serializedReads) close() error { return nil }
