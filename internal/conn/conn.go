package conn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DefaultBusyTimeout is applied when no explicit busy timeout is configured.
const DefaultBusyTimeout = 5 * time.Second

// UpdateHook receives one callback per row-level mutation performed on the
// session, in statement execution order.
type UpdateHook func(op int, table string, rowid int64)

// Mutation op codes reported to UpdateHook, re-exported so callers don't
// need to import the driver package.
const (
	OpInsert = sqlite3.SQLITE_INSERT
	OpUpdate = sqlite3.SQLITE_UPDATE
	OpDelete = sqlite3.SQLITE_DELETE
)

// Options configures how a Conn is opened.
type Options struct {
	// ReadOnly opens the session with mode=ro and query_only=true.
	// Read-only sessions skip journal-mode configuration: the database
	// file must already be in WAL mode (the writer sets it).
	ReadOnly bool

	// BusyTimeout bounds how long the session waits on a locked database
	// before failing with SQLITE_BUSY. Zero means DefaultBusyTimeout.
	BusyTimeout time.Duration

	// UpdateHook, if set, is installed on the session at connect time.
	UpdateHook UpdateHook

	// CommitHook, if set, runs after every transaction commit on the
	// session, including the implicit per-statement transactions of
	// autocommit mode.
	CommitHook func()

	// RollbackHook, if set, runs after every transaction rollback.
	RollbackHook func()
}

// Conn is one handle bound to one SQLite session.
//
// The zero value is not usable; use Open.
type Conn struct {
	db       *sql.DB
	path     string
	readOnly bool
	inTx     bool
}

// connector adapts the sqlite3 driver to database/sql without global
// driver registration, so each Conn can carry its own connect hook.
type connector struct {
	dsn    string
	driver *sqlite3.SQLiteDriver
}

func (c *connector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *connector) Driver() driver.Driver {
	return c.driver
}

// Open creates a Conn bound to the SQLite database at path.
//
// The session is established eagerly (a failed open surfaces here, not on
// first use) and configured per Options. Writer handles put the database
// into WAL mode so that reader handles can snapshot concurrently.
func Open(path string, opts Options) (*Conn, error) {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", busy.Milliseconds()))
	params.Set("_foreign_keys", "on")
	if opts.ReadOnly {
		params.Set("mode", "ro")
		params.Set("_query_only", "true")
	} else {
		params.Set("_journal_mode", "WAL")
		params.Set("_synchronous", "NORMAL")
	}
	dsn := "file:" + path + "?" + params.Encode()

	drv := &sqlite3.SQLiteDriver{}
	if opts.UpdateHook != nil || opts.CommitHook != nil || opts.RollbackHook != nil {
		update, commit, rollback := opts.UpdateHook, opts.CommitHook, opts.RollbackHook
		drv.ConnectHook = func(sc *sqlite3.SQLiteConn) error {
			if update != nil {
				sc.RegisterUpdateHook(func(op int, db string, table string, rowid int64) {
					update(op, table, rowid)
				})
			}
			if commit != nil {
				sc.RegisterCommitHook(func() int {
					commit()
					return 0
				})
			}
			if rollback != nil {
				sc.RegisterRollbackHook(rollback)
			}
			return nil
		}
	}

	db := sql.OpenDB(&connector{dsn: dsn, driver: drv})

	// One session per handle. Manual BEGIN/COMMIT depends on this.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, asEngineError(err))
	}

	return &Conn{db: db, path: path, readOnly: opts.ReadOnly}, nil
}

// Close closes the underlying session. Safe to call on a nil-session Conn.
func (c *Conn) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Path returns the database file path this handle is bound to.
func (c *Conn) Path() string {
	return c.path
}

// ReadOnly reports whether the handle was opened read-only.
func (c *Conn) ReadOnly() bool {
	return c.readOnly
}

// ExecContext executes a statement that returns no rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", asEngineError(err))
	}
	return res, nil
}

// QueryContext executes a query and returns the resulting rows.
// Callers are responsible for closing the returned rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", asEngineError(err))
	}
	return rows, nil
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// PrepareContext prepares a statement for repeated execution.
// Callers are responsible for closing the returned statement.
func (c *Conn) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", asEngineError(err))
	}
	return stmt, nil
}

// BeginDeferred starts a deferred transaction. In WAL mode the session's
// snapshot is fixed by the first read statement executed inside it, not by
// BEGIN itself.
func (c *Conn) BeginDeferred(ctx context.Context) error {
	return c.begin(ctx, "BEGIN DEFERRED")
}

// BeginImmediate starts an immediate transaction, taking the write lock
// up front so later statements cannot fail with a lock upgrade error.
func (c *Conn) BeginImmediate(ctx context.Context) error {
	return c.begin(ctx, "BEGIN IMMEDIATE")
}

func (c *Conn) begin(ctx context.Context, stmt string) error {
	if c.inTx {
		return fmt.Errorf("begin: transaction already open")
	}
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("begin: %w", asEngineError(err))
	}
	c.inTx = true
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit(ctx context.Context) error {
	if !c.inTx {
		return fmt.Errorf("commit: no transaction open")
	}
	if _, err := c.db.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", asEngineError(err))
	}
	c.inTx = false
	return nil
}

// Rollback rolls back the open transaction. Rolling back when no
// transaction is open is a no-op, so cleanup paths can call it
// unconditionally.
func (c *Conn) Rollback(ctx context.Context) error {
	if !c.inTx {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, "ROLLBACK"); err != nil {
		// The transaction may already be gone, e.g. the engine rolled it
		// back on its own or a raw ROLLBACK bypassed this handle. The
		// handle is back in autocommit mode either way.
		if !strings.Contains(err.Error(), "no transaction is active") {
			return fmt.Errorf("rollback: %w", asEngineError(err))
		}
	}
	c.inTx = false
	return nil
}

// InTransaction reports whether a transaction opened through this handle
// is currently open. Transactions begun with raw BEGIN statements via
// ExecContext are not tracked.
func (c *Conn) InTransaction() bool {
	return c.inTx
}

// EstablishSnapshot begins a deferred transaction and immediately executes
// a read, fixing the session's WAL snapshot to the latest committed state.
// The caller must end the transaction with Rollback when done reading.
func (c *Conn) EstablishSnapshot(ctx context.Context) error {
	if err := c.BeginDeferred(ctx); err != nil {
		return fmt.Errorf("establish snapshot: %w", err)
	}
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		_ = c.Rollback(ctx)
		return fmt.Errorf("establish snapshot: %w", asEngineError(err))
	}
	return nil
}

// ApplyCredential issues PRAGMA key, applying the encryption credential to
// the session. On builds without an encryption codec the pragma is accepted
// and ignored.
func (c *Conn) ApplyCredential(ctx context.Context, passphrase string) error {
	if _, err := c.db.ExecContext(ctx, "PRAGMA key = "+quoteCredential(passphrase)); err != nil {
		return fmt.Errorf("apply credential: %w", asEngineError(err))
	}
	return nil
}

// RotateCredential issues PRAGMA rekey, re-encrypting the database under a
// new credential. Must not run inside a transaction, and no other session
// may be reading while it runs; the coordinator enforces both.
func (c *Conn) RotateCredential(ctx context.Context, passphrase string) error {
	if c.inTx {
		return fmt.Errorf("rotate credential: transaction open")
	}
	if _, err := c.db.ExecContext(ctx, "PRAGMA rekey = "+quoteCredential(passphrase)); err != nil {
		return fmt.Errorf("rotate credential: %w", asEngineError(err))
	}
	return nil
}

// Pragma returns the current value of a pragma as a string.
func (c *Conn) Pragma(ctx context.Context, name string) (string, error) {
	var value string
	if err := c.db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&value); err != nil {
		return "", fmt.Errorf("pragma %s: %w", name, asEngineError(err))
	}
	return value, nil
}

// quoteCredential produces a single-quoted SQL string literal. Pragmas do
// not support parameter binding, so the passphrase is escaped inline.
func quoteCredential(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
