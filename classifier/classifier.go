// Package classifier defines the classifier collaborator used by the flow
// table and provides a software model of it.
//
// The classifier is a set of processing engines (PEs), each with its own
// data memory (DMEM). Writes can target one PE or all of them at once.
package classifier

import (
	"errors"
	"fmt"
	"sync"
)

// BroadcastPE addresses every PE in a WriteDMEM call.
const BroadcastPE = -1

var (
	ErrInvalidPE  = errors.New("invalid PE index")
	ErrOutOfRange = errors.New("DMEM access out of range")
)

// Classifier is what the flow table needs from the hardware classifier.
type Classifier interface {
	// WriteDMEM copies src to DMEM address addr of PE pe or of every PE
	// when pe is BroadcastPE.
	WriteDMEM(pe int, addr uint32, src []byte) error
	// ReadDMEM copies len(dst) bytes from DMEM address addr of PE pe.
	ReadDMEM(pe int, addr uint32, dst []byte) error
	// SetRtable tells the classifier where the routing hash table lives.
	SetRtable(basePA, size, entrySize uint32) error
	RtableLookupEnable() error
	RtableLookupDisable() error
	NumPEs() int
}

// Memory is an in-process classifier model. It is what the daemon uses
// without a dataplane and what tests use to observe table behaviour.
type Memory struct {
	mu   sync.Mutex
	dmem [][]byte

	rtBase, rtSize, rtEntrySize uint32

	lookupEnabled bool
	toggles       int
}

var _ Classifier = (*Memory)(nil)

// NewMemory creates a model with numPEs engines of dmemSize bytes each.
func NewMemory(numPEs int, dmemSize uint32) *Memory {
	m := &Memory{dmem: make([][]byte, numPEs)}
	for i := range m.dmem {
		m.dmem[i] = make([]byte, dmemSize)
	}
	return m
}

func (m *Memory) check(pe int, addr uint32, n int, broadcastOK bool) error {
	if pe == BroadcastPE {
		if !broadcastOK {
			return ErrInvalidPE
		}
	} else if pe < 0 || pe >= len(m.dmem) {
		return fmt.Errorf("pe %d: %w", pe, ErrInvalidPE)
	}
	if len(m.dmem) == 0 || uint64(addr)+uint64(n) > uint64(len(m.dmem[0])) {
		return fmt.Errorf("%d bytes at %#x: %w", n, addr, ErrOutOfRange)
	}
	return nil
}

func (m *Memory) WriteDMEM(pe int, addr uint32, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(pe, addr, len(src), true); err != nil {
		return err
	}
	if pe == BroadcastPE {
		for _, d := range m.dmem {
			copy(d[addr:], src)
		}
		return nil
	}
	copy(m.dmem[pe][addr:], src)
	return nil
}

func (m *Memory) ReadDMEM(pe int, addr uint32, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(pe, addr, len(dst), false); err != nil {
		return err
	}
	copy(dst, m.dmem[pe][addr:])
	return nil
}

func (m *Memory) SetRtable(basePA, size, entrySize uint32) error {
	m.mu.Lock()
	m.rtBase, m.rtSize, m.rtEntrySize = basePA, size, entrySize
	m.mu.Unlock()
	return nil
}

func (m *Memory) RtableLookupEnable() error  { return m.setLookup(true) }
func (m *Memory) RtableLookupDisable() error { return m.setLookup(false) }

func (m *Memory) setLookup(on bool) error {
	m.mu.Lock()
	if m.lookupEnabled != on {
		m.toggles++
	}
	m.lookupEnabled = on
	m.mu.Unlock()
	return nil
}

func (m *Memory) NumPEs() int { return len(m.dmem) }

// LookupEnabled reports whether routing table lookup is switched on.
func (m *Memory) LookupEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupEnabled
}

// LookupToggles counts enable/disable transitions.
func (m *Memory) LookupToggles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toggles
}

// Rtable returns the last SetRtable arguments.
func (m *Memory) Rtable() (basePA, size, entrySize uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtBase, m.rtSize, m.rtEntrySize
}
