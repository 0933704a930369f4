// Package memory provides the buffer allocation seam used by the protocol
// layers. Every buffer the FBM engine owns is obtained from a Manager so the
// allocation strategy can be swapped without touching protocol code.
package memory

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Manager allocates and frees byte buffers.
//
// AllocBuffer returns a slice whose len is exactly size. FreeBuffer hands a
// buffer previously returned by AllocBuffer back to the manager; the caller
// must not touch it afterwards.
type Manager interface {
	AllocBuffer(size int) []byte
	FreeBuffer(buf []byte)
}

// Heap is a Manager backed directly by the Go heap.
type Heap struct{}

func (Heap) AllocBuffer(size int) []byte { return make([]byte, size) }

func (Heap) FreeBuffer([]byte) {}

// Default size classes for PooledHeap: 512 B up to 1 MiB.
const (
	minClassShift = 9
	maxClassShift = 20
)

// PooledHeap is a Manager that recycles buffers through power-of-two size
// classes. Requests larger than the biggest class are allocated directly and
// left to the GC when freed.
type PooledHeap struct {
	pools []sync.Pool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// PoolStats reports allocation counters for a PooledHeap.
type PoolStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// NewPooledHeap creates a pooled manager with the default size classes.
func NewPooledHeap() *PooledHeap {
	return &PooledHeap{pools: make([]sync.Pool, maxClassShift-minClassShift+1)}
}

// class returns the pool index serving size, or -1 when size is too large.
func class(size int) int {
	if size <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

func (p *PooledHeap) AllocBuffer(size int) []byte {
	c := class(size)
	if c < 0 {
		p.misses.Add(1)
		return make([]byte, size)
	}
	if v := p.pools[c].Get(); v != nil {
		p.hits.Add(1)
		buf := *(v.(*[]byte))
		buf = buf[:size]
		clear(buf)
		return buf
	}
	p.misses.Add(1)
	return make([]byte, size, 1<<(c+minClassShift))
}

func (p *PooledHeap) FreeBuffer(buf []byte) {
	if buf == nil {
		return
	}
	capacity := cap(buf)
	c := class(capacity)
	// Only buffers that exactly fill a class were allocated by us.
	if c < 0 || capacity != 1<<(c+minClassShift) {
		return
	}
	buf = buf[:capacity]
	p.pools[c].Put(&buf)
}

// Stats returns a snapshot of the pool counters.
func (p *PooledHeap) Stats() PoolStats {
	return PoolStats{Hits: p.hits.Load(), Misses: p.misses.Load()}
}
