package rtable

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
)

// A reader walking the table concurrently with inserts and removals in
// other buckets must always find the flows nobody touches, and must never
// get stuck on a chain.
func TestLookupDuringUpdates(t *testing.T) {
	tbl, _ := newTestTable(t, 16, 16, Config{})

	var stable, churn []Tuple
	for d := range uint16(16) {
		tp := tuple4(1000, d)
		if bucket(tbl, tp) < 8 {
			stable = append(stable, tp)
			if err := tbl.Add(newEntry(t, tp)); err != nil {
				t.Fatal(err)
			}
			continue
		}
		for i := range uint16(3) {
			c := tp
			c.SrcPort += 16 * i
			churn = append(churn, c)
		}
	}

	var (
		stop    atomic.Bool
		misses  atomic.Int64
		lookups atomic.Int64
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			for _, tp := range stable {
				if _, ok := tbl.Lookup(tp); !ok {
					misses.Add(1)
				}
				lookups.Add(1)
			}
			for _, tp := range churn {
				_, _ = tbl.Lookup(tp)
			}
		}
	}()

	rng := rand.New(rand.NewPCG(1, 2))
	live := map[Tuple]*Entry{}
	for range 300 {
		tp := churn[rng.IntN(len(churn))]
		if e, ok := live[tp]; ok {
			if err := tbl.Del(e); err != nil {
				t.Error(err)
			}
			delete(live, tp)
			continue
		}
		e := newEntry(t, tp)
		if err := tbl.Add(e); err != nil {
			t.Error(err)
		}
		live[tp] = e
	}
	stop.Store(true)
	wg.Wait()

	if misses.Load() != 0 {
		t.Fatalf("%d of %d lookups of untouched flows missed", misses.Load(), lookups.Load())
	}
	for tp := range live {
		if _, ok := tbl.Lookup(tp); !ok {
			t.Errorf("%s not found after updates", tp)
		}
	}
	if tbl.Len() != len(stable)+len(live) {
		t.Fatalf("len %d, want %d", tbl.Len(), len(stable)+len(live))
	}
}
