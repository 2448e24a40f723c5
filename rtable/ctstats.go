package rtable

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/romshark/pfe-go/blalloc"
	"github.com/romshark/pfe-go/classifier"
)

// ctCounterSize is the DMEM footprint of one entry's counters: packets
// and bytes, both 64-bit big-endian. Every PE keeps its own copy.
const ctCounterSize = 16

// EntryStats are the conntrack counters of one entry summed over all PEs.
type EntryStats struct {
	Packets uint64
	Bytes   uint64
}

// ctStats hands out counter slots in DMEM. Slot 0 is reserved for
// entries that have no counters.
type ctStats struct {
	heap  *classifier.Heap
	base  uint32
	slots uint32
	idx   *blalloc.Allocator

	// ID5T of the entry each slot is allocated to, 0 if free.
	owner []atomic.Uint32

	// serializes read-modify-write of the counters
	countMu sync.Mutex
}

func newCTStats(heap *classifier.Heap, slots uint32) (*ctStats, error) {
	base, err := heap.Alloc(slots*ctCounterSize, ctCounterSize)
	if err != nil {
		return nil, fmt.Errorf("allocating %d conntrack counters: %w", slots, err)
	}
	idx, err := blalloc.New(uint64(slots), 0)
	if err != nil {
		_ = heap.Free(base, slots*ctCounterSize)
		return nil, err
	}
	if _, err := idx.Alloc(1, 1); err != nil {
		_ = heap.Free(base, slots*ctCounterSize)
		return nil, err
	}
	return &ctStats{
		heap:  heap,
		base:  base,
		slots: slots,
		idx:   idx,
		owner: make([]atomic.Uint32, slots),
	}, nil
}

func (c *ctStats) addr(i uint16) uint32 { return c.base + uint32(i)*ctCounterSize }

func (c *ctStats) alloc(id5t uint32) (uint16, error) {
	i, err := c.idx.Alloc(1, 1)
	if err != nil {
		return 0, ErrStatsExhausted
	}
	if err := c.heap.Zero(c.addr(uint16(i)), ctCounterSize); err != nil {
		_ = c.idx.Free(i, 1)
		return 0, err
	}
	c.owner[i].Store(id5t)
	return uint16(i), nil
}

func (c *ctStats) free(i uint16) {
	if i == 0 {
		return
	}
	c.owner[i].Store(0)
	_ = c.idx.Free(uint64(i), 1)
}

func (c *ctStats) read(i uint16) (EntryStats, error) {
	var s EntryStats
	if i == 0 {
		return s, ErrStatsExhausted
	}
	cls := c.heap.Classifier()
	var b [ctCounterSize]byte
	for pe := range cls.NumPEs() {
		if err := cls.ReadDMEM(pe, c.addr(i), b[:]); err != nil {
			return EntryStats{}, fmt.Errorf("reading counters of pe %d: %w", pe, err)
		}
		s.Packets += binary.BigEndian.Uint64(b[0:])
		s.Bytes += binary.BigEndian.Uint64(b[8:])
	}
	return s, nil
}

// count adds one packet of n bytes to the counters of PE pe, unless slot
// i no longer belongs to the entry with id5t.
func (c *ctStats) count(i uint16, id5t uint32, pe int, n uint64) error {
	if i == 0 {
		return nil
	}
	c.countMu.Lock()
	defer c.countMu.Unlock()
	if c.owner[i].Load() != id5t {
		return nil
	}
	cls := c.heap.Classifier()
	var b [ctCounterSize]byte
	if err := cls.ReadDMEM(pe, c.addr(i), b[:]); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b[0:], binary.BigEndian.Uint64(b[0:])+1)
	binary.BigEndian.PutUint64(b[8:], binary.BigEndian.Uint64(b[8:])+n)
	return cls.WriteDMEM(pe, c.addr(i), b[:])
}

func (c *ctStats) close() error {
	c.idx.Close()
	return c.heap.Free(c.base, c.slots*ctCounterSize)
}

// EntryStats returns the conntrack counters of e.
func (t *Table) EntryStats(e *Entry) (EntryStats, error) {
	if err := t.lock(); err != nil {
		return EntryStats{}, err
	}
	defer t.mu.Unlock()
	if t.ct == nil {
		return EntryStats{}, ErrStatsDisabled
	}
	if e.table != t {
		return EntryStats{}, ErrEntryDetached
	}
	return t.ct.read(e.statsIndex)
}

// CountHit accounts a packet of n bytes matched by m against the counters
// of processing engine pe. It is what a PE does after a successful lookup.
// If the matched entry was deleted since and its counter slot handed to
// another entry, the packet is not counted.
func (t *Table) CountHit(m Match, pe int, n uint64) error {
	if t.ct == nil {
		return nil
	}
	return t.ct.count(m.StatsIndex, m.ID5T, pe, n)
}
