// Package fifo implements a fixed-capacity single-producer/single-consumer
// ring of values.
//
// The ring keeps two free-running 32-bit cursors. The fill level is always
// write-read, so depth must be a power of two no larger than 1<<31 for the
// difference to stay meaningful across wrap-around.
//
// One goroutine may call Put while another calls Get without any locking.
// Callers that need several producers or several consumers must serialize
// them with their own mutex.
package fifo

import (
	"errors"
	"sync/atomic"
)

// MaxDepth is the largest depth a Ring may have.
const MaxDepth = 0x7FFFFFFF

var (
	ErrInvalidDepth = errors.New("fifo depth must be a power of two <= 0x7FFFFFFF")
	ErrOverflow     = errors.New("fifo is full")
)

// Ring is a lock-free SPSC ring.
//
// WARNING: Put and Get are each safe for one goroutine at a time only.
type Ring[T any] struct {
	read  atomic.Uint32
	write atomic.Uint32
	depth uint32
	mask  uint32
	data  []T
}

// New creates an empty ring holding up to depth values.
func New[T any](depth uint32) (*Ring[T], error) {
	if depth == 0 || depth > MaxDepth || depth&(depth-1) != 0 {
		return nil, ErrInvalidDepth
	}
	return &Ring[T]{
		depth: depth,
		mask:  depth - 1,
		data:  make([]T, depth),
	}, nil
}

// Put appends v. It never blocks and never overwrites: a full ring
// returns ErrOverflow.
func (r *Ring[T]) Put(v T) error {
	w := r.write.Load()
	if w-r.read.Load() >= r.depth {
		return ErrOverflow
	}
	r.data[w&r.mask] = v

	// The slot store above must be visible before the cursor is.
	// atomic.Store has release semantics.
	r.write.Store(w + 1)
	return nil
}

// Get removes and returns the oldest value.
// ok is false if the ring is empty.
func (r *Ring[T]) Get() (v T, ok bool) {
	rd := r.read.Load()
	if r.write.Load()-rd == 0 {
		return v, false
	}
	idx := rd & r.mask
	v = r.data[idx]

	var zero T
	r.data[idx] = zero // drop the reference so the GC can reclaim it
	r.read.Store(rd + 1)
	return v, true
}

// Peek returns the raw slot at absolute index idx, ignoring the cursors.
// idx is taken modulo depth, so a cursor value may be passed as is.
// It is meant for diagnostic dumps only.
func (r *Ring[T]) Peek(idx uint32) T {
	return r.data[idx&r.mask]
}

// Clear resets the cursors so that the ring reports itself full of stale
// slots (read=0, write=depth). Subsequent Puts fail until the slots are
// drained with Get.
func (r *Ring[T]) Clear() {
	r.read.Store(0)
	r.write.Store(r.depth)
}

// Len returns the current fill level.
func (r *Ring[T]) Len() uint32 { return r.write.Load() - r.read.Load() }

// Depth returns the ring capacity.
func (r *Ring[T]) Depth() uint32 { return r.depth }

// Full reports whether Put would fail.
func (r *Ring[T]) Full() bool { return r.Len() >= r.depth }

// Empty reports whether Get would fail.
func (r *Ring[T]) Empty() bool { return r.Len() == 0 }
