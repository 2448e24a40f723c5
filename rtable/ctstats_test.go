package rtable

import (
	"errors"
	"testing"

	"github.com/romshark/pfe-go/classifier"
	"github.com/romshark/pfe-go/dma"
)

func TestConntrackStats(t *testing.T) {
	cls := classifier.NewMemory(2, 4096)
	heap, err := classifier.NewHeap(cls, 1024, 1024, 4)
	if err != nil {
		t.Fatal(err)
	}
	ht := &dma.Block{VA: make([]byte, 16*RecordSize), PA: 0x1000_0000}
	pool := &dma.Block{VA: make([]byte, 4*RecordSize), PA: 0x2000_0000}
	tbl, err := New(ht, pool, cls, nil, Config{
		HashTableSize: 16,
		PoolSize:      4,
		StatsHeap:     heap,
		StatsSlots:    4,
		Logger:        quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	e := newEntry(t, tuple4(1, 1))
	if err := tbl.Add(e); err != nil {
		t.Fatal(err)
	}
	m, ok := tbl.Lookup(e.Tuple())
	if !ok || m.StatsIndex == 0 {
		t.Fatalf("lookup: %+v %t", m, ok)
	}
	_ = tbl.CountHit(m, 0, 100)
	_ = tbl.CountHit(m, 1, 50)
	_ = tbl.CountHit(m, 1, 10)
	s, err := tbl.EntryStats(e)
	if err != nil {
		t.Fatal(err)
	}
	if s.Packets != 3 || s.Bytes != 160 {
		t.Fatalf("stats: %+v", s)
	}

	// A reused slot starts from zero.
	_ = tbl.Del(e)
	if _, err := tbl.EntryStats(e); !errors.Is(err, ErrEntryDetached) {
		t.Fatalf("detached entry: got %v", err)
	}
	f := newEntry(t, tuple4(1, 2))
	_ = tbl.Add(f)
	if s, _ := tbl.EntryStats(f); s != (EntryStats{}) {
		t.Fatalf("reused slot not cleared: %+v", s)
	}
	// A match taken before the delete must not count against the new owner.
	if fm, _ := tbl.Lookup(f.Tuple()); fm.StatsIndex != m.StatsIndex {
		t.Fatalf("slot not reused: %d vs %d", fm.StatsIndex, m.StatsIndex)
	}
	if err := tbl.CountHit(m, 0, 1000); err != nil {
		t.Fatal(err)
	}
	if s, _ := tbl.EntryStats(f); s != (EntryStats{}) {
		t.Fatalf("stale match counted against new owner: %+v", s)
	}

	// Slot 0 is reserved, so only three entries get counters.
	_ = tbl.Add(newEntry(t, tuple4(1, 3)))
	_ = tbl.Add(newEntry(t, tuple4(1, 4)))
	g := newEntry(t, tuple4(1, 5))
	if err := tbl.Add(g); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.EntryStats(g); !errors.Is(err, ErrStatsExhausted) {
		t.Fatalf("entry without counters: got %v", err)
	}

	if err := tbl.Close(); err != nil {
		t.Fatal(err)
	}
	if used := heap.Stats().UsedChunks; used != 0 {
		t.Fatalf("heap chunks still used after close: %d", used)
	}
}

func TestEntryStatsDisabled(t *testing.T) {
	tbl, _ := newTestTable(t, 16, 4, Config{})
	e := newEntry(t, tuple4(1, 1))
	_ = tbl.Add(e)
	if _, err := tbl.EntryStats(e); !errors.Is(err, ErrStatsDisabled) {
		t.Fatalf("got %v", err)
	}
}
