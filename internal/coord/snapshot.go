package coord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// snapshotReads serves reads from a bounded pool of read-only connections,
// each anchored to a WAL snapshot of the latest committed state.
//
// A nested read acquires a pool connection and establishes its snapshot
// BEFORE ReadFromWrite returns. That synchronous step is what anchors the
// read to the commit point of the call: once the snapshot exists, the
// enclosing write may commit as much as it likes without becoming visible
// to the read. The block itself then runs on its own goroutine, fully
// concurrent with the rest of the write.
type snapshotReads struct {
	writer *writeCoordinator
	pool   *readerPool
	sink   ErrorSink
	log    *slog.Logger
}

func newSnapshotReads(w *writeCoordinator, pool *readerPool, sink ErrorSink, log *slog.Logger) *snapshotReads {
	return &snapshotReads{writer: w, pool: pool, sink: sink, log: log}
}

// ReadFromWrite anchors a snapshot at the current commit point and
// schedules fn against it.
//
// Callable only while ctx holds writer access, and only in autocommit
// mode: a snapshot cannot include statements of an open transaction, so a
// call with a transaction open would silently break the "statements before
// the call are visible" guarantee. That is a misuse, not a degradation.
//
// fn runs detached: its error is delivered to the coordinator's error
// sink, never returned here. The returned error covers scheduling only
// (misuse, pool drain, acquisition timeout).
func (s *snapshotReads) ReadFromWrite(ctx context.Context, fn ReadFunc) error {
	if !HoldsWriterAccess(ctx) {
		return &MisuseError{Op: "readFromWrite", Message: "not inside a write block"}
	}
	if s.writer.conn.InTransaction() {
		return &MisuseError{Op: "readFromWrite", Message: "writer transaction open; snapshot reads require autocommit mode"}
	}

	rc, err := s.pool.acquire(ctx)
	if err != nil {
		return err
	}
	if err := rc.EstablishSnapshot(ctx); err != nil {
		s.pool.release(rc)
		return err
	}

	// The snapshot is anchored; the writer continues immediately while the
	// block runs detached from the write's cancellation and lifetime.
	dctx := withoutWriterAccess(context.WithoutCancel(ctx))
	readID := uuid.New()
	go func() {
		defer s.pool.release(rc)
		defer func() {
			if rerr := rc.Rollback(dctx); rerr != nil {
				s.log.Error("end read transaction", "read", readID, "error", rerr)
			}
		}()
		if err := fn(dctx, rc); err != nil {
			s.sink(dctx, fmt.Errorf("concurrent read %s: %w", readID, err))
		}
	}()
	return nil
}

// Read serves a standalone snapshot read: acquire, snapshot, run fn
// synchronously, release. Unlike ReadFromWrite, fn's error is returned.
func (s *snapshotReads) Read(ctx context.Context, fn ReadFunc) error {
	if HoldsWriterAccess(ctx) {
		return &MisuseError{Op: "read", Message: "use ReadFromWrite inside a write block"}
	}
	rc, err := s.pool.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.release(rc)
	if err := rc.EstablishSnapshot(ctx); err != nil {
		return err
	}
	err = fn(ctx, rc)
	if rerr := rc.Rollback(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (s *snapshotReads) drain(ctx context.Context) error {
	return s.pool.drain(ctx)
}

func (s *snapshotReads) resume() {
	s.pool.resume()
}

// invalidate closes pooled connections so the next read opens a fresh
// session. Call only while drained.
func (s *snapshotReads) invalidate() {
	s.pool.closeIdle()
}

func (s *snapshotReads) close() error {
	s.pool.close()
	return nil
}
