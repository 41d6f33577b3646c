package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/accord/internal/conn"
)

// DefaultReaderCount is the reader-pool capacity when none is configured.
const DefaultReaderCount = 5

// readerPool is a bounded pool of read-only connections.
//
// Connections are created lazily, up to capacity. Acquisition requests
// beyond capacity queue in FIFO order; a released connection is handed to
// the longest-waiting request. The pool can be drained for exclusive
// operations: draining refuses new acquisitions and waits until every
// connection is back to idle.
type readerPool struct {
	capacity int
	timeout  time.Duration
	open     func() (*conn.Conn, error)
	log      *slog.Logger

	mu       sync.Mutex
	idle     []*conn.Conn
	count    int // connections created, idle or in use
	waiters  []chan *conn.Conn
	draining bool
	closed   bool
	released chan struct{} // signals a connection return, buffered size 1
}

func newReaderPool(capacity int, timeout time.Duration, open func() (*conn.Conn, error), log *slog.Logger) *readerPool {
	if capacity <= 0 {
		capacity = DefaultReaderCount
	}
	return &readerPool{
		capacity: capacity,
		timeout:  timeout,
		open:     open,
		log:      log,
		released: make(chan struct{}, 1),
	}
}

// acquire returns an idle connection, creating one if capacity allows,
// otherwise waiting in FIFO order. A configured timeout bounds the wait;
// on expiry the request fails with a ConcurrencyError.
func (p *readerPool) acquire(ctx context.Context) (*conn.Conn, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, &ConcurrencyError{Op: "acquire reader", Message: "pool is draining for an exclusive operation"}
	}

	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}

	if p.count < p.capacity {
		p.count++
		p.mu.Unlock()
		c, err := p.open()
		if err != nil {
			p.mu.Lock()
			p.count--
			p.mu.Unlock()
			return nil, fmt.Errorf("open reader: %w", err)
		}
		return c, nil
	}

	grant := make(chan *conn.Conn, 1)
	p.waiters = append(p.waiters, grant)
	p.mu.Unlock()

	var expire <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case c, ok := <-grant:
		if !ok {
			return nil, &ConcurrencyError{Op: "acquire reader", Message: "pool is draining for an exclusive operation"}
		}
		return c, nil
	case <-ctx.Done():
		return nil, p.abandon(grant, fmt.Errorf("acquire reader: %w", ctx.Err()))
	case <-expire:
		return nil, p.abandon(grant, &ConcurrencyError{
			Op:      "acquire reader",
			Message: fmt.Sprintf("no reader available within %s", p.timeout),
		})
	}
}

// abandon removes grant from the waiter queue, handling the race where a
// connection was handed over concurrently with the give-up.
func (p *readerPool) abandon(grant chan *conn.Conn, cause error) error {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == grant {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return cause
		}
	}
	p.mu.Unlock()
	// A connection was granted before we gave up; put it back.
	if c, ok := <-grant; ok && c != nil {
		p.release(c)
	}
	return cause
}

// release returns a connection to the pool, waking the oldest waiter.
// The connection must have ended its read transaction before release.
func (p *readerPool) release(c *conn.Conn) {
	p.mu.Lock()
	if p.closed {
		p.count--
		p.mu.Unlock()
		if err := c.Close(); err != nil {
			p.log.Error("close pooled reader", "error", err)
		}
		return
	}
	if len(p.waiters) > 0 && !p.draining {
		grant := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		grant <- c
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()

	// Coalesced signal for drain waiters, in the style of a wake channel.
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// drain puts the pool into exclusive mode: queued waiters fail, new
// acquisitions are refused, and drain blocks until every connection is
// idle. Callers must pair a successful drain with resume.
func (p *readerPool) drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return &MisuseError{Op: "drain readers", Message: "pool is already draining"}
	}
	p.draining = true
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()

	for {
		p.mu.Lock()
		busy := p.count - len(p.idle)
		p.mu.Unlock()
		if busy == 0 {
			return nil
		}
		select {
		case <-p.released:
		case <-ctx.Done():
			p.resume()
			return &MisuseError{
				Op:      "drain readers",
				Message: fmt.Sprintf("readers still active: %v", ctx.Err()),
			}
		}
	}
}

// resume ends exclusive mode, allowing acquisitions again.
func (p *readerPool) resume() {
	p.mu.Lock()
	p.draining = false
	p.mu.Unlock()
}

// closeIdle closes all idle connections so the next acquisition opens
// fresh ones. Intended for use while drained (every connection is idle),
// e.g. after a credential change invalidates open sessions.
func (p *readerPool) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.count -= len(idle)
	p.mu.Unlock()

	for _, c := range idle {
		if err := c.Close(); err != nil {
			p.log.Error("close pooled reader", "error", err)
		}
	}
}

// close is the terminal operation: new acquisitions fail, queued waiters
// fail, idle connections close now, and in-flight connections close as
// they are released.
func (p *readerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.draining = true
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()
	p.closeIdle()
}
