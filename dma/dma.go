// Package dma provides physically contiguous, aligned memory blocks shared
// with the accelerator.
//
// Every Block has a virtual view (VA) used by software and a 32-bit bus
// address (PA) that is what the accelerator sees. Translation between the
// two is plain offset arithmetic within a block.
package dma

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

var (
	ErrInvalidSize  = errors.New("invalid block size")
	ErrInvalidAlign = errors.New("alignment must be a power of two")
	ErrNoMemory     = errors.New("bus address window exhausted")
	ErrForeignBlock = errors.New("block not owned by this allocator")
)

// Allocator hands out contiguous blocks from named pools.
type Allocator interface {
	// Alloc returns a zeroed block of size bytes whose PA is aligned to align.
	// cached selects the pool flavour; uncached blocks are pinned.
	Alloc(name string, size, align uint64, cached bool) (*Block, error)
	Free(b *Block) error
}

// Block is one contiguous allocation.
type Block struct {
	Name   string
	VA     []byte
	PA     uint64
	Cached bool

	mapping []byte
}

// Size returns the usable size of the block in bytes.
func (b *Block) Size() uint64 { return uint64(len(b.VA)) }

// VirtToPhys translates an offset into the block to a bus address.
func (b *Block) VirtToPhys(off uint64) uint64 { return b.PA + off }

// PhysToVirt translates a bus address into an offset into the block.
func (b *Block) PhysToVirt(pa uint64) (off uint64, ok bool) {
	if pa < b.PA || pa >= b.PA+b.Size() {
		return 0, false
	}
	return pa - b.PA, true
}

// Contains reports whether pa falls inside the block.
func (b *Block) Contains(pa uint64) bool {
	_, ok := b.PhysToVirt(pa)
	return ok
}

func (b *Block) String() string {
	return fmt.Sprintf("%s pa=%#x size=%s cached=%t",
		b.Name, b.PA, humanize.IBytes(b.Size()), b.Cached)
}
