package conn

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openTestConn(t *testing.T, opts Options) (*Conn, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	c, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, path
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	_, path := openTestConn(t, Options{})

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_AppliesWALMode(t *testing.T) {
	c, _ := openTestConn(t, Options{})

	mode, err := c.Pragma(context.Background(), "journal_mode")
	if err != nil {
		t.Fatalf("pragma query failed: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, expected %q", mode, "wal")
	}
}

func TestOpen_ReadOnlyRefusesWrites(t *testing.T) {
	ctx := context.Background()
	w, path := openTestConn(t, Options{})
	if _, err := w.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	r, err := Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only Open() failed: %v", err)
	}
	defer r.Close()

	if _, err := r.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err == nil {
		t.Error("expected write on read-only connection to fail")
	}

	var count int
	if err := r.QueryRowContext(ctx, "SELECT count(*) FROM t").Scan(&count); err != nil {
		t.Errorf("read on read-only connection failed: %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db", Options{})
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestTransaction_CommitPersists(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestConn(t, Options{})

	if _, err := c.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	if err := c.BeginImmediate(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !c.InTransaction() {
		t.Error("InTransaction() = false inside transaction")
	}
	if _, err := c.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if c.InTransaction() {
		t.Error("InTransaction() = true after commit")
	}

	var count int
	if err := c.QueryRowContext(ctx, "SELECT count(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, expected 1", count)
	}
}

func TestTransaction_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestConn(t, Options{})

	if _, err := c.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	if err := c.BeginImmediate(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := c.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	var count int
	if err := c.QueryRowContext(ctx, "SELECT count(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, expected 0 after rollback", count)
	}
}

func TestRollback_NoTransactionIsNoOp(t *testing.T) {
	c, _ := openTestConn(t, Options{})
	if err := c.Rollback(context.Background()); err != nil {
		t.Errorf("Rollback() without transaction should be a no-op: %v", err)
	}
}

func TestRollback_ResyncsAfterRawRollback(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestConn(t, Options{})

	if err := c.BeginDeferred(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	// End the transaction behind the handle's back.
	if _, err := c.ExecContext(ctx, "ROLLBACK"); err != nil {
		t.Fatalf("raw rollback: %v", err)
	}

	if err := c.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() after raw ROLLBACK should resync, got: %v", err)
	}
	if c.InTransaction() {
		t.Error("InTransaction() = true after rollback")
	}
	if err := c.BeginDeferred(ctx); err != nil {
		t.Errorf("begin after resync failed: %v", err)
	}
	if err := c.Rollback(ctx); err != nil {
		t.Errorf("rollback: %v", err)
	}
}

func TestBegin_Nested(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestConn(t, Options{})

	if err := c.BeginDeferred(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer c.Rollback(ctx)

	if err := c.BeginDeferred(ctx); err == nil {
		t.Error("expected nested begin to fail")
	}
}

func TestEngineError_ConstraintViolation(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestConn(t, Options{})

	if _, err := c.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := c.ExecContext(ctx, "INSERT INTO t (name) VALUES ('a')"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err := c.ExecContext(ctx, "INSERT INTO t (name) VALUES ('a')")
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}

	ee, ok := AsEngineError(err)
	if !ok {
		t.Fatalf("expected *EngineError, got %T: %v", err, err)
	}
	if !ee.IsConstraint() {
		t.Errorf("IsConstraint() = false for %v", ee)
	}
	if ee.IsBusy() {
		t.Errorf("IsBusy() = true for constraint violation")
	}
}

func TestEstablishSnapshot_FixesView(t *testing.T) {
	ctx := context.Background()
	w, path := openTestConn(t, Options{})

	if _, err := w.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := w.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r, err := Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only Open() failed: %v", err)
	}
	defer r.Close()

	if err := r.EstablishSnapshot(ctx); err != nil {
		t.Fatalf("establish snapshot: %v", err)
	}

	// A commit on the writer after the snapshot must stay invisible.
	if _, err := w.ExecContext(ctx, "INSERT INTO t (id) VALUES (2)"); err != nil {
		t.Fatalf("insert after snapshot: %v", err)
	}

	var count int
	if err := r.QueryRowContext(ctx, "SELECT count(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("snapshot count = %d, expected 1 (pre-snapshot state)", count)
	}

	if err := r.Rollback(ctx); err != nil {
		t.Fatalf("end snapshot: %v", err)
	}

	// After the transaction ends the new commit becomes visible.
	if err := r.QueryRowContext(ctx, "SELECT count(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("post-snapshot count = %d, expected 2", count)
	}
}

func TestApplyCredential_QuotesPassphrase(t *testing.T) {
	c, _ := openTestConn(t, Options{})

	// Plain builds accept and ignore PRAGMA key; the statement must at
	// least survive passphrases containing quotes.
	if err := c.ApplyCredential(context.Background(), "it's a 'secret'"); err != nil {
		t.Errorf("ApplyCredential() failed: %v", err)
	}
}
