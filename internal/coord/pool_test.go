package coord

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/accord/internal/conn"
)

// newTestPool creates a pool over a fresh database file, counting opens.
func newTestPool(t *testing.T, capacity int, timeout time.Duration) (*readerPool, *atomic.Int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	w, err := conn.Open(path, conn.Options{})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	var opened atomic.Int64
	p := newReaderPool(capacity, timeout, func() (*conn.Conn, error) {
		opened.Add(1)
		return conn.Open(path, conn.Options{ReadOnly: true})
	}, slog.Default())
	t.Cleanup(p.close)
	return p, &opened
}

func TestReaderPool_LazyCreation(t *testing.T) {
	p, opened := newTestPool(t, 3, 0)
	ctx := context.Background()

	assert.Equal(t, int64(0), opened.Load(), "no connection before first acquire")

	c1, err := p.acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), opened.Load())

	p.release(c1)

	// An idle connection is reused, not recreated.
	c2, err := p.acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), opened.Load())
	p.release(c2)
}

func TestReaderPool_ExhaustionBlocksThirdReader(t *testing.T) {
	p, _ := newTestPool(t, 2, 0)
	ctx := context.Background()

	c1, err := p.acquire(ctx)
	require.NoError(t, err)
	c2, err := p.acquire(ctx)
	require.NoError(t, err)

	third := make(chan *conn.Conn, 1)
	go func() {
		c, err := p.acquire(ctx)
		require.NoError(t, err)
		third <- c
	}()

	select {
	case <-third:
		t.Fatal("third acquire succeeded with pool at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.release(c1)
	select {
	case c := <-third:
		p.release(c)
	case <-time.After(time.Second):
		t.Fatal("third acquire never proceeded after release")
	}
	p.release(c2)
}

func TestReaderPool_AcquireTimeout(t *testing.T) {
	p, _ := newTestPool(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	c1, err := p.acquire(ctx)
	require.NoError(t, err)
	defer p.release(c1)

	_, err = p.acquire(ctx)
	require.Error(t, err)
	assert.True(t, IsConcurrencyError(err), "timeout should surface as ConcurrencyError, got %v", err)
}

func TestReaderPool_AcquireCancelled(t *testing.T) {
	p, _ := newTestPool(t, 1, 0)

	c1, err := p.acquire(context.Background())
	require.NoError(t, err)
	defer p.release(c1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestReaderPool_DrainRefusesAcquisition(t *testing.T) {
	p, _ := newTestPool(t, 2, 0)
	ctx := context.Background()

	require.NoError(t, p.drain(ctx))

	_, err := p.acquire(ctx)
	require.Error(t, err)
	assert.True(t, IsConcurrencyError(err), "acquire during drain should be ConcurrencyError, got %v", err)

	p.resume()
	c, err := p.acquire(ctx)
	require.NoError(t, err)
	p.release(c)
}

func TestReaderPool_DrainWaitsForInFlight(t *testing.T) {
	p, _ := newTestPool(t, 2, 0)
	ctx := context.Background()

	c1, err := p.acquire(ctx)
	require.NoError(t, err)

	drained := make(chan error, 1)
	go func() {
		drained <- p.drain(ctx)
	}()

	select {
	case <-drained:
		t.Fatal("drain completed while a reader was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	p.release(c1)
	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain never completed after release")
	}
	p.resume()
}

func TestReaderPool_DrainFailsQueuedWaiters(t *testing.T) {
	p, _ := newTestPool(t, 1, 0)
	ctx := context.Background()

	c1, err := p.acquire(ctx)
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.acquire(ctx)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		_ = p.drain(ctx)
	}()

	select {
	case err := <-waiterErr:
		assert.True(t, IsConcurrencyError(err), "queued waiter should fail under drain, got %v", err)
	case <-time.After(time.Second):
		t.Fatal("queued waiter never failed under drain")
	}

	p.release(c1)
	p.resume()
}

func TestReaderPool_DrainTimeoutIsMisuse(t *testing.T) {
	p, _ := newTestPool(t, 1, 0)

	c1, err := p.acquire(context.Background())
	require.NoError(t, err)
	defer p.release(c1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = p.drain(ctx)
	require.Error(t, err)
	assert.True(t, IsMisuseError(err), "undrainable pool should be MisuseError, got %v", err)
}
