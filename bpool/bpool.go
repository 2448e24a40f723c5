// Package bpool implements a pool of fixed-size, aligned buffers carved out
// of one contiguous DMA block.
//
// Block layout:
//
//	[buf 0][buf 1]...[buf N-1][desc 0][desc 1]...[desc N-1]
//
// Each descriptor records its buffer's length, bus address and offset.
// Free buffers are tracked by descriptor index in a fifo.Ring guarded by
// the pool mutex, which makes Get and Put safe for any number of callers.
package bpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/romshark/pfe-go/dma"
	"github.com/romshark/pfe-go/fifo"
)

const (
	CacheLineSize = 64
	MinBufSize    = 256
	MaxBufSize    = 4096

	descSize  = 24
	descMagic = 0xB0F1B0F1
)

var (
	ErrInvalidAlign   = errors.New("alignment must be a power of two >= cache line size")
	ErrInvalidBufSize = errors.New("buffer size must be within [256, 4096]")
	ErrInvalidDepth   = errors.New("depth must be a non-zero power of two")
	ErrMisaligned     = errors.New("block bus address not aligned to buffer size")
	ErrForeignBuffer  = errors.New("buffer does not belong to pool")
)

// Pool is a fixed buffer pool.
type Pool struct {
	alloc dma.Allocator
	block *dma.Block

	depth   uint32
	bufSize uint32
	bufs    []byte // buffer space, depth*bufSize bytes
	descs   []byte // descriptor space, depth*descSize bytes

	mu   sync.Mutex
	free *fifo.Ring[uint32]

	log *slog.Logger
}

// New allocates depth buffers of at least bufSize bytes each. bufSize is
// rounded up to the next power of two; align must divide the result.
// A nil log uses slog.Default.
func New(alloc dma.Allocator, depth, bufSize, align uint32, cached bool, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	if align < CacheLineSize || align&(align-1) != 0 {
		return nil, ErrInvalidAlign
	}
	if bufSize < MinBufSize || bufSize > MaxBufSize {
		return nil, ErrInvalidBufSize
	}
	if depth == 0 || depth&(depth-1) != 0 {
		return nil, ErrInvalidDepth
	}
	aligned := uint32(1) << bits.Len32(bufSize-1)
	if aligned%align != 0 {
		return nil, fmt.Errorf("buffer size %d vs align %d: %w", aligned, align, ErrInvalidAlign)
	}

	name := "bpool"
	if cached {
		name = "bpool-cached"
	}
	bufSpace := uint64(aligned) * uint64(depth)
	block, err := alloc.Alloc(name, bufSpace+uint64(descSize)*uint64(depth), uint64(aligned), cached)
	if err != nil {
		return nil, fmt.Errorf("allocating %d buffers: %w", depth, err)
	}
	if block.PA%uint64(aligned) != 0 {
		_ = alloc.Free(block)
		return nil, fmt.Errorf("pa %#x: %w", block.PA, ErrMisaligned)
	}

	free, err := fifo.New[uint32](depth)
	if err != nil {
		_ = alloc.Free(block)
		return nil, err
	}

	p := &Pool{
		alloc:   alloc,
		block:   block,
		depth:   depth,
		bufSize: aligned,
		bufs:    block.VA[:bufSpace],
		descs:   block.VA[bufSpace:],
		free:    free,
		log:     log,
	}
	for i := range depth {
		p.writeDesc(i)
		if err := free.Put(i); err != nil {
			_ = alloc.Free(block)
			return nil, fmt.Errorf("filling free list: %w", err)
		}
	}

	log.Debug("bpool created",
		"buffers", depth,
		"buf_size", humanize.IBytes(uint64(aligned)),
		"total", humanize.IBytes(block.Size()),
		"pa", fmt.Sprintf("%#x", block.PA))
	return p, nil
}

func (p *Pool) desc(i uint32) []byte {
	return p.descs[i*descSize : (i+1)*descSize]
}

func (p *Pool) writeDesc(i uint32) {
	d := p.desc(i)
	off := uint64(i) * uint64(p.bufSize)
	binary.NativeEndian.PutUint32(d[0:], p.bufSize)
	binary.NativeEndian.PutUint32(d[4:], descMagic)
	binary.NativeEndian.PutUint64(d[8:], p.block.VirtToPhys(off))
	binary.NativeEndian.PutUint64(d[16:], off)
}

func (p *Pool) buf(i uint32) []byte {
	start := i * p.bufSize
	end := start + p.bufSize
	return p.bufs[start:end:end]
}

// Get takes a buffer from the pool or returns nil if the pool is exhausted.
func (p *Pool) Get() []byte {
	p.mu.Lock()
	i, ok := p.free.Get()
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.checkGuard(i, "get")
	return p.buf(i)
}

// checkGuard logs and rewrites descriptor i if its magic word was
// overwritten. The buffer stays in circulation either way.
func (p *Pool) checkGuard(i uint32, op string) {
	if binary.NativeEndian.Uint32(p.desc(i)[4:]) == descMagic {
		return
	}
	p.log.Error("bpool: descriptor guard clobbered", "op", op, "index", i)
	p.writeDesc(i)
}

// Put returns buf to the pool. buf may be any subslice of a buffer
// obtained from Get. Returning more buffers than were taken is logged
// and otherwise ignored.
func (p *Pool) Put(buf []byte) {
	i, _, err := p.locate(buf)
	if err != nil {
		p.log.Error("bpool: put of foreign buffer", "err", err)
		return
	}
	p.checkGuard(i, "put")
	p.mu.Lock()
	err = p.free.Put(i)
	p.mu.Unlock()
	if err != nil {
		p.log.Error("bpool: put overflow", "index", i, "err", err)
	}
}

// locate finds the descriptor index owning buf and buf's offset into the
// buffer space.
func (p *Pool) locate(buf []byte) (idx uint32, off uint64, err error) {
	if len(buf) == 0 && cap(buf) == 0 {
		return 0, 0, ErrForeignBuffer
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(p.bufs)))
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if ptr < base || ptr >= base+uintptr(len(p.bufs)) {
		return 0, 0, ErrForeignBuffer
	}
	off = uint64(ptr - base)
	return uint32(off / uint64(p.bufSize)), off, nil
}

// PA returns the bus address of the first byte of buf.
func (p *Pool) PA(buf []byte) (uint64, error) {
	_, off, err := p.locate(buf)
	if err != nil {
		return 0, err
	}
	return p.block.VirtToPhys(off), nil
}

// Offset returns buf's offset from the start of the pool block.
func (p *Pool) Offset(buf []byte) (uint64, error) {
	_, off, err := p.locate(buf)
	return off, err
}

// BufferAt returns the buffer containing block offset off.
func (p *Pool) BufferAt(off uint64) ([]byte, error) {
	if off >= uint64(len(p.bufs)) {
		return nil, ErrForeignBuffer
	}
	return p.buf(uint32(off / uint64(p.bufSize))), nil
}

// Depth returns the total number of buffers.
func (p *Pool) Depth() uint32 { return p.depth }

// BufSize returns the rounded buffer size.
func (p *Pool) BufSize() uint32 { return p.bufSize }

// Free returns the number of buffers currently in the pool, 0 once
// closed.
func (p *Pool) Free() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free == nil {
		return 0
	}
	return p.free.Len()
}

// Block returns the backing DMA block.
func (p *Pool) Block() *dma.Block { return p.block }

// Close releases the backing memory. Buffers still held by callers become
// invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.free = nil
	block := p.block
	p.block = nil
	p.mu.Unlock()
	if block == nil {
		return nil
	}
	return p.alloc.Free(block)
}
