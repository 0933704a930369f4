// Package serializer provides per-key exclusive access with FIFO hand-off.
//
// A Serializer grants at most one holder per key at a time. Waiters for a
// busy key queue in arrival order and are released one by one as the holder
// calls Release. Waiting honours context cancellation: a cancelled waiter is
// removed from the queue without disturbing the order of the others.
//
// Keys are only tracked while someone holds or waits for them, so memory is
// bounded by concurrent contention rather than by the number of keys ever
// seen. Idle per-key state is recycled through a bounded free list, and the
// uncontended path (nobody else on the key) does not allocate.
package serializer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultPoolSize is the free-list capacity used when New is given a
// negative size.
const DefaultPoolSize = 256

// Serializer is a keyed mutual-exclusion primitive. The zero value is not
// usable; construct with New.
type Serializer[K comparable] struct {
	mu      sync.Mutex
	table   map[K]*waitEntry[K]
	pool    []*waitEntry[K]
	maxPool int

	contended atomic.Uint64
	cancelled atomic.Uint64
}

// Stats is a point-in-time snapshot of a Serializer.
type Stats struct {
	ActiveKeys int    `json:"active_keys"`
	Waiters    int    `json:"waiters"`
	Pooled     int    `json:"pooled"`
	Contended  uint64 `json:"contended"`
	Cancelled  uint64 `json:"cancelled"`
}

// New creates a Serializer whose idle-entry free list holds at most
// maxPoolSize entries. Zero disables pooling.
func New[K comparable](maxPoolSize int) *Serializer[K] {
	if maxPoolSize < 0 {
		maxPoolSize = DefaultPoolSize
	}
	return &Serializer[K]{
		table:   make(map[K]*waitEntry[K]),
		pool:    make([]*waitEntry[K], 0, maxPoolSize),
		maxPool: maxPoolSize,
	}
}

// entryLocked returns the entry for key, binding a pooled or new one if the
// key is cold. Must be called with s.mu held.
func (s *Serializer[K]) entryLocked(key K) *waitEntry[K] {
	if e, ok := s.table[key]; ok {
		return e
	}
	var e *waitEntry[K]
	if n := len(s.pool); n > 0 {
		e = s.pool[n-1]
		s.pool[n-1] = nil
		s.pool = s.pool[:n-1]
	} else {
		e = new(waitEntry[K])
	}
	e.prepare(key)
	s.table[key] = e
	return e
}

// retireLocked unbinds an idle entry and keeps it if the pool has room.
// Must be called with s.mu held and e already removed from the table.
func (s *Serializer[K]) retireLocked(e *waitEntry[K]) {
	var zero K
	e.key = zero
	if len(s.pool) < s.maxPool {
		s.pool = append(s.pool, e)
	}
}

// Wait blocks until the caller holds key or ctx is done. A nil return means
// the caller owns key and must call Release exactly once.
//
// If ctx is already done Wait returns its error without touching any state.
// If ctx fires while queued, the waiter is removed and ctx.Err() returned;
// when the grant races the cancellation and wins, Wait returns nil and the
// caller owns the key as usual.
func (s *Serializer[K]) Wait(ctx context.Context, key K) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	e := s.entryLocked(key)
	n := e.scheduleWait()
	s.mu.Unlock()

	if n == nil {
		return nil
	}
	s.contended.Add(1)

	select {
	case <-n.ready:
		return nil
	case <-ctx.Done():
	}

	if !n.cancel() {
		// Granted concurrently; ready is closed right after the CAS.
		<-n.ready
		return nil
	}
	s.cancelled.Add(1)

	s.mu.Lock()
	// e cannot have been recycled while n is still queued: n keeps
	// waitCount above zero. If n was already dequeued, the releasing side
	// accounts for it and onCancelled finds nothing.
	e.onCancelled(n)
	s.mu.Unlock()
	return ctx.Err()
}

// TryWait acquires key only if nobody holds it. It never blocks.
func (s *Serializer[K]) TryWait(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.table[key]; busy {
		return false
	}
	e := s.entryLocked(key)
	e.scheduleWait()
	return true
}

// Release gives up key and hands it to the next queued waiter, if any.
//
// Calling Release for a key the caller does not hold is a contract
// violation. When the key is idle this panics; when another caller holds it
// the behaviour is undefined.
func (s *Serializer[K]) Release(key K) {
	for {
		s.mu.Lock()
		e, ok := s.table[key]
		if !ok {
			s.mu.Unlock()
			panic(fmt.Sprintf("serializer: release of idle key %v", key))
		}
		tok := e.exitWait()
		if e.waitCount == 0 {
			if tok.next != nil {
				s.mu.Unlock()
				panic("serializer: waiter dequeued from idle entry")
			}
			delete(s.table, key)
			s.retireLocked(e)
		}
		s.mu.Unlock()

		// Start the successor outside the lock. If it was cancelled after
		// being dequeued, it still counts in waitCount; loop to account
		// for it and move on to the next waiter.
		if tok.release() {
			return
		}
	}
}

// Do runs fn while holding key.
func (s *Serializer[K]) Do(ctx context.Context, key K, fn func() error) error {
	if err := s.Wait(ctx, key); err != nil {
		return err
	}
	defer s.Release(key)
	return fn()
}

// Stats returns a snapshot of the serializer state.
func (s *Serializer[K]) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ActiveKeys: len(s.table),
		Pooled:     len(s.pool),
	}
	for _, e := range s.table {
		st.Waiters += e.queued()
	}
	s.mu.Unlock()
	st.Contended = s.contended.Load()
	st.Cancelled = s.cancelled.Load()
	return st
}
