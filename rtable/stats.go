package rtable

import "fmt"

// Stats is a snapshot of table occupancy and counters.
type Stats struct {
	Entries       int
	HashTableSize uint32
	HashSlotsUsed int
	PoolSize      uint32
	PoolFree      uint32
	LookupEnabled bool

	Adds          uint64
	Dels          uint64
	Timeouts      uint64
	PoolExhausted uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("entries=%d buckets=%d/%d pool=%d/%d adds=%d dels=%d timeouts=%d",
		s.Entries, s.HashSlotsUsed, s.HashTableSize,
		s.PoolSize-s.PoolFree, s.PoolSize,
		s.Adds, s.Dels, s.Timeouts)
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Entries:       t.count,
		HashTableSize: t.htSize,
		HashSlotsUsed: t.htUsed,
		PoolSize:      t.free.Depth(),
		PoolFree:      t.free.Len(),
		LookupEnabled: t.lookupOn.Load(),
		Adds:          t.adds.Load(),
		Dels:          t.dels.Load(),
		Timeouts:      t.timeouts.Load(),
		PoolExhausted: t.poolExhausted.Load(),
	}
}
