package notify

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ChangeKind classifies a row-level mutation.
type ChangeKind int

const (
	// ChangeInsert is a row insertion.
	ChangeInsert ChangeKind = iota + 1
	// ChangeUpdate is a row update.
	ChangeUpdate
	// ChangeDelete is a row deletion.
	ChangeDelete
)

// String returns the lowercase name of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ChangeEvent describes one committed row-level mutation.
type ChangeEvent struct {
	Table string
	RowID int64
	Kind  ChangeKind
}

// Observer is notified of committed changes.
//
// DatabaseDidChange is called once per committed transaction with the
// ordered batch of mutations that transaction performed. The batch is the
// observer's to keep. It runs on the writer path, so slow observers delay
// subsequent writes.
type Observer interface {
	DatabaseDidChange(events []ChangeEvent)
}

// ObserverOption configures a registration.
type ObserverOption func(*registration)

// WithLiveness attaches a liveness predicate to a registration. The
// observer is skipped and pruned once the predicate returns false.
func WithLiveness(alive func() bool) ObserverOption {
	return func(r *registration) {
		r.alive = alive
	}
}

// registration pairs an observer with its identity token and liveness
// predicate. A nil predicate means always alive.
type registration struct {
	id       uuid.UUID
	observer Observer
	alive    func() bool
}

func (r *registration) isAlive() bool {
	return r.alive == nil || r.alive()
}

// Registry tracks observers and buffers change events for the transaction
// currently open on the writer connection.
//
// Events accumulate in a pending buffer while their transaction is open.
// Seal moves the buffer into the committed queue when the transaction
// commits; DiscardPending drops it on rollback. Flush delivers the
// committed queue to observers, one call per committed transaction, in
// commit order. A sealed batch is durable: it survives a later failure of
// the write block that produced it.
//
// Thread-safety: AddObserver and RemoveObserver are safe from any
// goroutine. Record, Seal, DiscardPending, and Flush are only ever called
// from the writer path, but take the same lock so observer mutation during
// a flush is well defined.
type Registry struct {
	mu        sync.Mutex
	observers []*registration
	pending   []ChangeEvent
	sealed    [][]ChangeEvent

	// reportPanic receives recovered observer panics. Never nil.
	reportPanic func(err error)
}

// NewRegistry creates an empty registry. reportPanic receives errors for
// observer panics recovered during Flush; pass nil to drop them.
func NewRegistry(reportPanic func(err error)) *Registry {
	if reportPanic == nil {
		reportPanic = func(error) {}
	}
	return &Registry{reportPanic: reportPanic}
}

// AddObserver registers an observer and returns its registration token.
//
// The registry does not deduplicate: registering the same observer twice
// yields two registrations and therefore duplicate notifications. That is
// the caller's choice to make.
func (r *Registry) AddObserver(o Observer, opts ...ObserverOption) uuid.UUID {
	reg := &registration{id: uuid.New(), observer: o}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, reg)
	return reg.id
}

// RemoveObserver removes one registration of o. Removing an observer that
// was never registered, or was already removed, is a no-op.
//
// Observers are matched by interface identity, so implementations must be
// comparable — in practice, pointer receivers.
func (r *Registry) RemoveObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.observers {
		if reg.observer == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// Record appends a change event to the pending buffer.
// Called once per row-level mutation, in statement execution order.
func (r *Registry) Record(event ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, event)
}

// Pending returns the number of buffered events.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ObserverCount returns the number of live registrations, pruning dead ones.
func (r *Registry) ObserverCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.observers)
}

// Seal moves the pending buffer into the committed queue as one batch.
// Invoked from the writer connection's commit hook; sealing an empty
// buffer is a no-op.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return
	}
	r.sealed = append(r.sealed, r.pending)
	r.pending = nil
}

// Flush delivers every committed batch, in commit order, to every live
// observer, one DatabaseDidChange call per committed transaction. Dead
// observers are pruned without error. An empty queue flushes to nobody.
//
// Invoked by the write coordinator before releasing writer access, on
// success and on failure alike: batches in the queue were sealed by real
// commits and must reach observers even when a later statement in the
// same write block failed.
func (r *Registry) Flush() {
	r.mu.Lock()
	batches := r.sealed
	r.sealed = nil
	if len(batches) == 0 {
		r.mu.Unlock()
		return
	}
	r.pruneLocked()
	targets := make([]*registration, len(r.observers))
	copy(targets, r.observers)
	r.mu.Unlock()

	for _, events := range batches {
		for _, reg := range targets {
			r.deliver(reg, events)
		}
	}
}

// DiscardPending clears the pending buffer without notifying anyone.
// Invoked from the writer connection's rollback hook; already-sealed
// batches are untouched.
func (r *Registry) DiscardPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
}

// deliver notifies a single observer, isolating panics. Each observer gets
// its own copy of the batch, so one observer mutating its slice cannot
// corrupt what the next one sees.
func (r *Registry) deliver(reg *registration, events []ChangeEvent) {
	defer func() {
		if v := recover(); v != nil {
			r.reportPanic(fmt.Errorf("observer %s panicked: %v", reg.id, v))
		}
	}()
	batch := make([]ChangeEvent, len(events))
	copy(batch, events)
	reg.observer.DatabaseDidChange(batch)
}

// pruneLocked drops registrations whose liveness predicate reports dead.
// Caller must hold r.mu.
func (r *Registry) pruneLocked() {
	live := r.observers[:0]
	for _, reg := range r.observers {
		if reg.isAlive() {
			live = append(live, reg)
		}
	}
	// Nil out trailing slots so pruned observers can be collected.
	for i := len(live); i < len(r.observers); i++ {
		r.observers[i] = nil
	}
	r.observers = live
}
