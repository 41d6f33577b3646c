package coord

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/accord/internal/conn"
)

// openTestCoordinator creates a coordinator over a fresh database file
// with a player table, using the snapshot-pool strategy unless overridden.
func openTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	co, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { co.Close() })

	err = co.Execute(context.Background(), `CREATE TABLE player (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return co
}

// insertPlayer appends one row as its own write operation.
func insertPlayer(t *testing.T, co *Coordinator, name string) {
	t.Helper()
	err := co.Execute(context.Background(), `INSERT INTO player (name) VALUES (?)`, name)
	if err != nil {
		t.Fatalf("insert player: %v", err)
	}
}

// countPlayers reads the row count on the given connection.
func countPlayers(ctx context.Context, c *conn.Conn) (int, error) {
	var count int
	err := c.QueryRowContext(ctx, `SELECT count(*) FROM player`).Scan(&count)
	return count, err
}
