package classifier

import (
	"bytes"
	"errors"
	"testing"
)

func TestMemoryDMEM(t *testing.T) {
	m := NewMemory(3, 256)
	if err := m.WriteDMEM(BroadcastPE, 16, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteDMEM(1, 17, []byte{9}); err != nil {
		t.Fatal(err)
	}
	for pe, want := range [][]byte{{1, 2, 3}, {1, 9, 3}, {1, 2, 3}} {
		got := make([]byte, 3)
		if err := m.ReadDMEM(pe, 16, got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("pe %d: got %v, want %v", pe, got, want)
		}
	}

	if err := m.WriteDMEM(3, 0, []byte{1}); !errors.Is(err, ErrInvalidPE) {
		t.Errorf("bad pe: got %v", err)
	}
	if err := m.WriteDMEM(0, 255, []byte{1, 2}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("overrun: got %v", err)
	}
	if err := m.ReadDMEM(BroadcastPE, 0, make([]byte, 1)); !errors.Is(err, ErrInvalidPE) {
		t.Errorf("broadcast read: got %v", err)
	}
}

func TestMemoryLookupSwitch(t *testing.T) {
	m := NewMemory(1, 16)
	_ = m.RtableLookupEnable()
	_ = m.RtableLookupEnable()
	_ = m.RtableLookupDisable()
	if m.LookupEnabled() {
		t.Fatal("lookup still enabled")
	}
	if got := m.LookupToggles(); got != 2 {
		t.Fatalf("toggles: got %d, want 2", got)
	}
	_ = m.SetRtable(0x4000_0000, 256, 128)
	if base, size, es := m.Rtable(); base != 0x4000_0000 || size != 256 || es != 128 {
		t.Fatalf("rtable: got %#x %d %d", base, size, es)
	}
}

func TestHeap(t *testing.T) {
	m := NewMemory(2, 1024)
	h, err := NewHeap(m, 512, 512, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	// Dirty the area so Alloc has something to clear.
	_ = m.WriteDMEM(BroadcastPE, 512, bytes.Repeat([]byte{0xFF}, 64))

	a, err := h.Alloc(40, 16)
	if err != nil {
		t.Fatal(err)
	}
	if a != 512 {
		t.Fatalf("first address: got %#x, want 0x200", a)
	}
	got := make([]byte, 40)
	_ = m.ReadDMEM(1, a, got)
	if !bytes.Equal(got, make([]byte, 40)) {
		t.Fatalf("allocation not cleared: %x", got)
	}

	b, err := h.Alloc(16, 64)
	if err != nil {
		t.Fatal(err)
	}
	if (b-512)%64 != 0 {
		t.Fatalf("address %#x not 64 aligned within heap", b)
	}
	if err := h.FreeAddr(a); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(b, 16); err != nil {
		t.Fatal(err)
	}
	if s := h.Stats(); s.UsedChunks != 0 {
		t.Fatalf("used chunks after free: %d", s.UsedChunks)
	}
}
