// Package blalloc sub-allocates a fixed region into power-of-two sized
// chunks tracked by a 2-bit-per-chunk bitmap.
//
// Chunk states:
//
//	00  free
//	01  used, more chunks of the same allocation follow
//	11  used, last chunk of an allocation
//
// The allocator hands out offsets into the region; it never touches the
// region itself.
package blalloc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const (
	chunkFree    = 0b00
	chunkUsed    = 0b01
	chunkUsedEnd = 0b11
)

var (
	ErrInvalidSize = errors.New("region too small for a single chunk")
	ErrNoMemory    = errors.New("no free run large enough")
	ErrInvalidOffs = errors.New("offset outside region or not chunk aligned")
	ErrCorrupted   = errors.New("bitmap corrupted: no last-chunk marker")
)

// Allocator is a bitmap block allocator. It is safe for concurrent use.
type Allocator struct {
	mu sync.Mutex

	size       uint64
	chunkLog2  uint
	chunkCount uint64

	// startSrch is a chunk index. Every chunk below it is in use;
	// it may lag behind the first free chunk but never leads it.
	startSrch uint64

	allocated uint64 // cumulative bytes handed out, chunk-rounded
	requested uint64 // cumulative bytes asked for

	bitmap []byte
}

// New creates an allocator managing size bytes in chunks of 1<<chunkLog2.
func New(size uint64, chunkLog2 uint) (*Allocator, error) {
	if chunkLog2 >= 64 || size>>chunkLog2 == 0 {
		return nil, ErrInvalidSize
	}
	n := size >> chunkLog2
	a := &Allocator{
		size:       size,
		chunkLog2:  chunkLog2,
		chunkCount: n,
		bitmap:     make([]byte, (n+3)/4),
	}
	// Trailing slots of the last byte do not exist; keep them unallocatable.
	for i := n; i < uint64(len(a.bitmap))*4; i++ {
		a.set(i, chunkUsedEnd)
	}
	return a, nil
}

func (a *Allocator) get(i uint64) byte {
	return (a.bitmap[i>>2] >> ((i & 3) * 2)) & 0b11
}

func (a *Allocator) set(i uint64, v byte) {
	shift := (i & 3) * 2
	b := &a.bitmap[i>>2]
	*b = (*b &^ (0b11 << shift)) | (v << shift)
}

// chunks converts a byte size into a chunk count. Zero-sized requests
// still take one chunk.
func (a *Allocator) chunks(size uint64) uint64 {
	n := (size + a.ChunkSize() - 1) >> a.chunkLog2
	if n == 0 {
		n = 1
	}
	return n
}

// ChunkSize returns the allocation granularity in bytes.
func (a *Allocator) ChunkSize() uint64 { return 1 << a.chunkLog2 }

// Size returns the managed region size in bytes.
func (a *Allocator) Size() uint64 { return a.size }

// Alloc reserves size bytes at an offset aligned to align and returns the
// offset. Both size and align are rounded up to whole chunks, so the
// effective alignment may be coarser than requested. A size of 0 still
// consumes one chunk. align 0 means no alignment constraint.
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	need := a.chunks(size)
	alignChunks := (align + a.ChunkSize() - 1) >> a.chunkLog2
	if alignChunks == 0 {
		alignChunks = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var run, start uint64
	for i := a.startSrch &^ 3; i < a.chunkCount; i++ {
		if a.get(i) != chunkFree {
			run = 0
			continue
		}
		if run == 0 {
			if i%alignChunks != 0 {
				continue
			}
			start = i
		}
		run++
		if run == need {
			a.mark(start, need)
			if a.startSrch >= start && a.startSrch < start+need {
				a.startSrch = start + need
			}
			a.allocated += need << a.chunkLog2
			a.requested += size
			return start << a.chunkLog2, nil
		}
	}
	return 0, fmt.Errorf("allocating %d bytes (align %d): %w", size, align, ErrNoMemory)
}

func (a *Allocator) mark(start, n uint64) {
	for i := start; i < start+n-1; i++ {
		a.set(i, chunkUsed)
	}
	a.set(start+n-1, chunkUsedEnd)
}

func (a *Allocator) release(start, n uint64) {
	for i := start; i < start+n; i++ {
		a.set(i, chunkFree)
	}
	if start < a.startSrch {
		a.startSrch = start
	}
}

// Free releases size bytes at offset. size must equal what was passed to
// Alloc; the bitmap does not record lengths.
func (a *Allocator) Free(offset, size uint64) error {
	start := offset >> a.chunkLog2
	n := a.chunks(size)
	if offset&(a.ChunkSize()-1) != 0 || start+n > a.chunkCount {
		return ErrInvalidOffs
	}

	a.mu.Lock()
	a.release(start, n)
	a.mu.Unlock()
	return nil
}

// FreeOffs releases the allocation starting at offset, deriving its length
// from the last-chunk marker. It costs O(allocation length) and relies on the
// marker being intact.
func (a *Allocator) FreeOffs(offset uint64) error {
	start := offset >> a.chunkLog2
	if offset&(a.ChunkSize()-1) != 0 || start >= a.chunkCount {
		return ErrInvalidOffs
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := start; i < a.chunkCount; i++ {
		switch a.get(i) {
		case chunkUsedEnd:
			a.release(start, i-start+1)
			return nil
		case chunkFree:
			slog.Error("blalloc: free chunk inside allocation",
				"offset", offset, "chunk", i)
			return fmt.Errorf("offset %#x: %w", offset, ErrCorrupted)
		}
	}
	slog.Error("blalloc: ran past end of bitmap", "offset", offset)
	return fmt.Errorf("offset %#x: %w", offset, ErrCorrupted)
}

// Close drops the bitmap. Still-allocated chunks are abandoned.
func (a *Allocator) Close() {
	s := a.Stats()
	if s.UsedChunks > 0 {
		slog.Debug("blalloc: destroying allocator with chunks in use",
			"used_chunks", s.UsedChunks, "chunk_size", a.ChunkSize())
	}
	a.mu.Lock()
	a.bitmap = nil
	a.chunkCount = 0
	a.mu.Unlock()
}
