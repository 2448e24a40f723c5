package classifier

import (
	"fmt"

	"github.com/romshark/pfe-go/blalloc"
)

// Heap manages a DMEM window shared by all PEs. Addresses it returns are
// DMEM addresses, valid on every PE.
type Heap struct {
	cls  Classifier
	base uint32
	ba   *blalloc.Allocator
}

// NewHeap manages size bytes of DMEM starting at base, in chunks of
// 1<<chunkLog2 bytes.
func NewHeap(cls Classifier, base, size uint32, chunkLog2 uint) (*Heap, error) {
	ba, err := blalloc.New(uint64(size), chunkLog2)
	if err != nil {
		return nil, fmt.Errorf("dmem heap at %#x: %w", base, err)
	}
	return &Heap{cls: cls, base: base, ba: ba}, nil
}

// Alloc reserves size bytes of DMEM and clears them on every PE.
func (h *Heap) Alloc(size, align uint32) (uint32, error) {
	off, err := h.ba.Alloc(uint64(size), uint64(align))
	if err != nil {
		return 0, err
	}
	addr := h.base + uint32(off)
	if err := h.Zero(addr, size); err != nil {
		_ = h.ba.Free(off, uint64(size))
		return 0, err
	}
	return addr, nil
}

// Free releases an allocation of size bytes at addr.
func (h *Heap) Free(addr, size uint32) error {
	return h.ba.Free(uint64(addr-h.base), uint64(size))
}

// FreeAddr releases the allocation starting at addr without knowing its size.
func (h *Heap) FreeAddr(addr uint32) error {
	return h.ba.FreeOffs(uint64(addr - h.base))
}

// Zero clears size bytes at addr on every PE.
func (h *Heap) Zero(addr, size uint32) error {
	return h.cls.WriteDMEM(BroadcastPE, addr, make([]byte, size))
}

// Classifier returns the classifier the heap writes through.
func (h *Heap) Classifier() Classifier { return h.cls }

func (h *Heap) Stats() blalloc.Stats { return h.ba.Stats() }

func (h *Heap) Close() { h.ba.Close() }
