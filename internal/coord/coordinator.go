package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/accord/internal/conn"
	"github.com/roach88/accord/internal/notify"
)

// ReadFunc is a read block. It receives a connection it owns for the
// duration of the call and must not retain it.
type ReadFunc func(ctx context.Context, c *conn.Conn) error

// WriteFunc is a write block. It receives the writer connection, which it
// owns exclusively for the duration of the call, and the writer-marked
// context it must propagate into nested coordinator calls.
type WriteFunc func(ctx context.Context, c *conn.Conn) error

// ErrorSink receives errors that cannot be propagated synchronously:
// failures of detached snapshot reads and recovered observer panics.
type ErrorSink func(ctx context.Context, err error)

// readerStrategy is the common contract of the two read strategies.
type readerStrategy interface {
	ReadFromWrite(ctx context.Context, fn ReadFunc) error
	Read(ctx context.Context, fn ReadFunc) error
	drain(ctx context.Context) error
	resume()
	invalidate()
	close() error
}

// config collects construction options.
type config struct {
	serialized     bool
	readerCount    int
	acquireTimeout time.Duration
	busyTimeout    time.Duration
	drainTimeout   time.Duration
	sink           ErrorSink
	log            *slog.Logger
}

// Option configures a Coordinator.
type Option func(*config)

// WithSnapshotReads selects the snapshot-pool read strategy with the given
// pool capacity. This is the default strategy with DefaultReaderCount.
func WithSnapshotReads(readers int) Option {
	return func(c *config) {
		c.serialized = false
		c.readerCount = readers
	}
}

// WithSerializedReads selects the serialized read strategy: reads run on
// the writer connection with no pool and no concurrency.
func WithSerializedReads() Option {
	return func(c *config) {
		c.serialized = true
	}
}

// WithAcquireTimeout bounds how long a snapshot read waits for a pool
// connection. Zero (the default) waits indefinitely.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *config) {
		c.acquireTimeout = d
	}
}

// WithBusyTimeout sets the SQLite busy timeout applied to every
// connection the coordinator opens.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) {
		c.busyTimeout = d
	}
}

// WithDrainTimeout bounds how long exclusive operations wait for in-flight
// readers to finish. Default 30s.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *config) {
		c.drainTimeout = d
	}
}

// WithErrorSink routes asynchronous errors to sink instead of the logger.
func WithErrorSink(sink ErrorSink) Option {
	return func(c *config) {
		c.sink = sink
	}
}

// WithLogger sets the coordinator's structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// Coordinator is the public contract of the coordination layer: totally
// ordered writes, isolated reads, and commit-only change notification over
// a single SQLite database file.
type Coordinator struct {
	path     string
	log      *slog.Logger
	sink     ErrorSink
	registry *notify.Registry
	writer   *writeCoordinator
	readers  readerStrategy

	drainTimeout time.Duration

	credMu     sync.Mutex
	credential string

	closeMu sync.Mutex
	closed  bool
}

// Open creates a Coordinator over the SQLite database at path, creating
// the file if needed and putting it into WAL journal mode.
func Open(path string, opts ...Option) (*Coordinator, error) {
	cfg := config{
		readerCount:  DefaultReaderCount,
		drainTimeout: 30 * time.Second,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	co := &Coordinator{
		path:         path,
		log:          cfg.log,
		drainTimeout: cfg.drainTimeout,
	}

	if cfg.sink != nil {
		co.sink = cfg.sink
	} else {
		co.sink = func(_ context.Context, err error) {
			co.log.Error("asynchronous read failed", "error", err)
		}
	}

	co.registry = notify.NewRegistry(func(err error) {
		co.sink(context.Background(), err)
	})

	writerConn, err := conn.Open(path, conn.Options{
		BusyTimeout: cfg.busyTimeout,
		UpdateHook: func(op int, table string, rowid int64) {
			co.registry.Record(notify.ChangeEvent{
				Table: table,
				RowID: rowid,
				Kind:  changeKind(op),
			})
		},
		// Batches follow the engine's own transaction boundaries: sealed
		// at every commit, discarded at every rollback.
		CommitHook:   co.registry.Seal,
		RollbackHook: co.registry.DiscardPending,
	})
	if err != nil {
		return nil, fmt.Errorf("open coordinator: %w", err)
	}

	co.writer = newWriteCoordinator(writerConn, co.registry, co.log)

	if cfg.serialized {
		co.readers = newSerializedReads(co.writer)
	} else {
		pool := newReaderPool(cfg.readerCount, cfg.acquireTimeout, func() (*conn.Conn, error) {
			rc, err := conn.Open(path, conn.Options{
				ReadOnly:    true,
				BusyTimeout: cfg.busyTimeout,
			})
			if err != nil {
				return nil, err
			}
			if cred := co.currentCredential(); cred != "" {
				if err := rc.ApplyCredential(context.Background(), cred); err != nil {
					rc.Close()
					return nil, err
				}
			}
			return rc, nil
		}, co.log)
		co.readers = newSnapshotReads(co.writer, pool, co.sink, co.log)
	}

	return co, nil
}

// changeKind maps an update-hook op code to a ChangeKind.
func changeKind(op int) notify.ChangeKind {
	switch op {
	case conn.OpInsert:
		return notify.ChangeInsert
	case conn.OpUpdate:
		return notify.ChangeUpdate
	default:
		return notify.ChangeDelete
	}
}

// Write executes fn with exclusive writer access, serialized FIFO behind
// all other writes.
//
// fn runs in autocommit mode: each statement commits individually unless
// fn opens its own transaction through the connection. A transaction fn
// leaves open is committed when fn returns nil and rolled back when it
// returns an error; either way the error propagates to the caller
// unchanged. Buffered change events are flushed to observers on success
// and discarded on failure.
//
// Calling Write with a context issued inside a write block fails with
// ReentrancyError.
func (co *Coordinator) Write(ctx context.Context, fn WriteFunc) error {
	return co.writer.run(ctx, false, fn)
}

// WriteTx is Write with fn wrapped in a single immediate transaction.
// Snapshot-pool ReadFromWrite is not available inside WriteTx (the open
// transaction would undermine the snapshot anchor); use Write when a
// write block needs concurrent reads.
func (co *Coordinator) WriteTx(ctx context.Context, fn WriteFunc) error {
	return co.writer.run(ctx, true, fn)
}

// Execute runs a single statement as its own write operation.
func (co *Coordinator) Execute(ctx context.Context, query string, args ...any) error {
	return co.WriteTx(ctx, func(wctx context.Context, c *conn.Conn) error {
		_, err := c.ExecContext(wctx, query, args...)
		return err
	})
}

// ReadFromWrite serves a read anchored to the current point in the write.
// Callable only from inside a Write block, with the block's context.
//
// Under the serialized strategy fn runs inline on the writer connection
// and its error is returned. Under the snapshot-pool strategy fn runs
// detached against a snapshot anchored before ReadFromWrite returns; fn's
// error goes to the error sink, and the returned error covers scheduling
// only.
func (co *Coordinator) ReadFromWrite(ctx context.Context, fn ReadFunc) error {
	return co.readers.ReadFromWrite(ctx, fn)
}

// Read executes fn against a consistent view of the latest committed
// state, concurrently with writes under the snapshot-pool strategy.
func (co *Coordinator) Read(ctx context.Context, fn ReadFunc) error {
	return co.readers.Read(ctx, fn)
}

// AddObserver registers an observer for committed changes. The registry
// does not keep the observer alive in any special way; pass
// notify.WithLiveness or call RemoveObserver on teardown.
func (co *Coordinator) AddObserver(o notify.Observer, opts ...notify.ObserverOption) {
	co.registry.AddObserver(o, opts...)
}

// RemoveObserver removes one registration of o; unknown observers are a
// no-op.
func (co *Coordinator) RemoveObserver(o notify.Observer) {
	co.registry.RemoveObserver(o)
}

// SetCredential applies the encryption credential to the database. The
// pool is drained first so no reader session survives with stale keying.
func (co *Coordinator) SetCredential(ctx context.Context, passphrase string) error {
	return co.exclusively(ctx, passphrase, func(wctx context.Context, c *conn.Conn) error {
		return c.ApplyCredential(wctx, passphrase)
	})
}

// RotateCredential re-encrypts the database under a new credential.
// Requires the exclusive-drain discipline: all in-flight reads must finish
// and no new reads may start while the rotation runs. A drain that cannot
// complete within the drain timeout fails with MisuseError; nothing is
// retried.
func (co *Coordinator) RotateCredential(ctx context.Context, passphrase string) error {
	return co.exclusively(ctx, passphrase, func(wctx context.Context, c *conn.Conn) error {
		return c.RotateCredential(wctx, passphrase)
	})
}

// exclusively drains the pool, runs fn with exclusive writer access and
// no open transaction, invalidates pooled reader sessions, and resumes.
func (co *Coordinator) exclusively(ctx context.Context, passphrase string, fn func(ctx context.Context, c *conn.Conn) error) error {
	if HoldsWriterAccess(ctx) {
		return &MisuseError{Op: "exclusive operation", Message: "not allowed inside a write block"}
	}

	drainCtx, cancel := context.WithTimeout(ctx, co.drainTimeout)
	defer cancel()
	if err := co.readers.drain(drainCtx); err != nil {
		return err
	}
	defer co.readers.resume()

	if err := co.writer.barrier(ctx, fn); err != nil {
		return err
	}

	co.credMu.Lock()
	co.credential = passphrase
	co.credMu.Unlock()

	// Pooled sessions were keyed under the old credential; force reopen.
	co.readers.invalidate()
	return nil
}

func (co *Coordinator) currentCredential() string {
	co.credMu.Lock()
	defer co.credMu.Unlock()
	return co.credential
}

// Close drains readers, closes the pool, and closes the writer
// connection. Close is idempotent.
func (co *Coordinator) Close() error {
	co.closeMu.Lock()
	defer co.closeMu.Unlock()
	if co.closed {
		return nil
	}
	co.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), co.drainTimeout)
	defer cancel()
	if err := co.readers.drain(ctx); err != nil {
		co.log.Error("drain readers on close", "error", err)
	}
	if err := co.readers.close(); err != nil {
		co.log.Error("close readers", "error", err)
	}
	return co.writer.conn.Close()
}
