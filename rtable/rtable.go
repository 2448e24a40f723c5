// Package rtable manages the routing and connection tracking table shared
// between software and the classifier.
//
// The table lives in two DMA blocks. The hash table holds one record per
// bucket and is indexed directly by Hash. The pool holds overflow records
// that extend a bucket into a chain linked through bus addresses. The
// classifier walks these chains concurrently with every update, so all
// changes to live records go through an invalidate, wait, mutate and
// publish sequence; the valid flag is always the last word written.
package rtable

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/romshark/pfe-go/bridge"
	"github.com/romshark/pfe-go/classifier"
	"github.com/romshark/pfe-go/dma"
	"github.com/romshark/pfe-go/fifo"
)

var (
	ErrInvalidConfig  = errors.New("invalid rtable config")
	ErrInvalidTuple   = errors.New("invalid 5-tuple")
	ErrExists         = errors.New("entry already exists")
	ErrNotFound       = errors.New("entry not found")
	ErrPoolExhausted  = errors.New("rtable pool exhausted")
	ErrEntryAttached  = errors.New("entry is attached to a table")
	ErrEntryDetached  = errors.New("entry is not attached")
	ErrLockTimeout    = errors.New("timed out acquiring rtable lock")
	ErrClosed         = errors.New("rtable closed")
	ErrStatsDisabled  = errors.New("conntrack statistics disabled")
	ErrStatsExhausted = errors.New("conntrack statistics slots exhausted")
)

const (
	DefaultHashTableSize = 256
	DefaultPoolSize      = 256
	DefaultTimeoutPeriod = time.Second
	DefaultUpdateDelay   = 10 * time.Microsecond
	DefaultLockWarnAfter = 100 * time.Millisecond
	DefaultStatsSlots    = 1024
	MaxStatsSlots        = 1 << 16
)

// LockPolicy decides what happens when the table lock is slow to acquire.
type LockPolicy int

const (
	// LockWait logs once LockWarnAfter has passed and keeps waiting.
	LockWait LockPolicy = iota
	// LockAbort gives up after LockWarnAfter with ErrLockTimeout.
	LockAbort
)

type Config struct {
	// HashTableSize is the number of buckets. Must be a power of two.
	HashTableSize uint32

	// PoolSize is the number of overflow records. Must be a power of two.
	PoolSize uint32

	// TimeoutPeriod is the interval between timeout sweeps in Run and
	// the amount subtracted from entry timeouts per sweep. Whole seconds.
	TimeoutPeriod time.Duration

	Hash HashType

	// UpdateDelay is how long an invalidated record is left alone before
	// it is modified, giving in-flight lookups time to finish.
	UpdateDelay time.Duration

	LockPolicy    LockPolicy
	LockWarnAfter time.Duration

	// StatsHeap, when set, enables per-entry conntrack counters allocated
	// from this DMEM heap, StatsSlots of them.
	StatsHeap  *classifier.Heap
	StatsSlots uint32

	Logger *slog.Logger
}

func isPow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

func (c *Config) ValidateAndSetDefaults() error {
	if c.HashTableSize == 0 {
		c.HashTableSize = DefaultHashTableSize
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.TimeoutPeriod == 0 {
		c.TimeoutPeriod = DefaultTimeoutPeriod
	}
	if c.UpdateDelay == 0 {
		c.UpdateDelay = DefaultUpdateDelay
	}
	if c.LockWarnAfter == 0 {
		c.LockWarnAfter = DefaultLockWarnAfter
	}
	if c.StatsHeap != nil && c.StatsSlots == 0 {
		c.StatsSlots = DefaultStatsSlots
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	switch {
	case !isPow2(c.HashTableSize):
		return fmt.Errorf("%w: hash table size %d is not a power of two", ErrInvalidConfig, c.HashTableSize)
	case !isPow2(c.PoolSize) || c.PoolSize > fifo.MaxDepth:
		return fmt.Errorf("%w: pool size %d is not a power of two", ErrInvalidConfig, c.PoolSize)
	case c.TimeoutPeriod < time.Second || c.TimeoutPeriod%time.Second != 0:
		return fmt.Errorf("%w: timeout period %s is not a whole number of seconds", ErrInvalidConfig, c.TimeoutPeriod)
	case c.UpdateDelay < 0:
		return fmt.Errorf("%w: negative update delay", ErrInvalidConfig)
	case c.LockPolicy != LockWait && c.LockPolicy != LockAbort:
		return fmt.Errorf("%w: unknown lock policy %d", ErrInvalidConfig, c.LockPolicy)
	case c.StatsSlots > MaxStatsSlots:
		return fmt.Errorf("%w: %d stats slots, max %d", ErrInvalidConfig, c.StatsSlots, MaxStatsSlots)
	case c.StatsHeap != nil && c.StatsSlots < 2:
		return fmt.Errorf("%w: need at least 2 stats slots", ErrInvalidConfig)
	}
	return nil
}

// node is the host-side shadow of one record slot. Slots below the hash
// table size are buckets, the rest are pool records. Links are slot
// indices, -1 for none.
type node struct {
	e                    *Entry
	chainPrev, chainNext int32
	actPrev, actNext     int32
}

var emptyNode = node{chainPrev: -1, chainNext: -1, actPrev: -1, actNext: -1}

// Table is a routing table. All methods are safe for concurrent use
// except GetFirst and GetNext, which require the caller to hold the lock.
type Table struct {
	conf   Config
	log    *slog.Logger
	cls    classifier.Classifier
	bd     bridge.Lookup
	htable *dma.Block
	pool   *dma.Block
	htSize uint32
	period uint32

	mu       sync.Mutex
	nodes    []node
	free     *fifo.Ring[int32]
	actHead  int32
	actTail  int32
	count    int
	htUsed   int
	iter     iterator
	lastID5T uint32
	ct       *ctStats
	closed   bool

	lookupOn      atomic.Bool
	adds          atomic.Uint64
	dels          atomic.Uint64
	timeouts      atomic.Uint64
	poolExhausted atomic.Uint64

	closing   chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

func checkBlock(name string, b *dma.Block, records uint32) error {
	need := uint64(records) * RecordSize
	switch {
	case b == nil:
		return fmt.Errorf("%w: no %s memory", ErrInvalidConfig, name)
	case b.Size() < need:
		return fmt.Errorf("%w: %s block holds %d bytes, need %d", ErrInvalidConfig, name, b.Size(), need)
	case b.PA == 0 || b.PA%4 != 0:
		return fmt.Errorf("%w: %s bus address %#x", ErrInvalidConfig, name, b.PA)
	case b.PA+need > 1<<32:
		return fmt.Errorf("%w: %s block above 4GiB", ErrInvalidConfig, name)
	}
	return nil
}

// New creates a table over htable and pool. Both blocks are cleared and
// the hash table is registered with cls. bd resolves VLAN statistics
// indices and may be nil.
func New(
	htable, pool *dma.Block,
	cls classifier.Classifier,
	bd bridge.Lookup,
	conf Config,
) (*Table, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if cls == nil {
		return nil, fmt.Errorf("%w: no classifier", ErrInvalidConfig)
	}
	if err := checkBlock("hash table", htable, conf.HashTableSize); err != nil {
		return nil, err
	}
	if err := checkBlock("pool", pool, conf.PoolSize); err != nil {
		return nil, err
	}

	free, err := fifo.New[int32](conf.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("creating pool fifo: %w", err)
	}

	t := &Table{
		conf:    conf,
		log:     conf.Logger,
		cls:     cls,
		bd:      bd,
		htable:  htable,
		pool:    pool,
		htSize:  conf.HashTableSize,
		period:  uint32(conf.TimeoutPeriod / time.Second),
		nodes:   make([]node, conf.HashTableSize+conf.PoolSize),
		free:    free,
		actHead: -1,
		actTail: -1,
		iter:    iterator{cur: -1},
		closing: make(chan struct{}),
	}
	for i := range t.nodes {
		t.nodes[i] = emptyNode
	}
	clear(htable.VA[:uint64(conf.HashTableSize)*RecordSize])
	clear(pool.VA[:uint64(conf.PoolSize)*RecordSize])

	for i := range conf.PoolSize {
		if err := free.Put(int32(conf.HashTableSize + i)); err != nil {
			return nil, fmt.Errorf("filling pool fifo: %w", err)
		}
	}

	if err := cls.SetRtable(uint32(htable.PA), conf.HashTableSize, RecordSize); err != nil {
		return nil, fmt.Errorf("registering rtable with classifier: %w", err)
	}
	if err := cls.RtableLookupDisable(); err != nil {
		return nil, fmt.Errorf("disabling rtable lookup: %w", err)
	}

	if conf.StatsHeap != nil {
		if t.ct, err = newCTStats(conf.StatsHeap, conf.StatsSlots); err != nil {
			return nil, err
		}
	}

	t.log.Info("rtable created",
		"htable_pa", fmt.Sprintf("%#x", htable.PA),
		"htable_size", conf.HashTableSize,
		"pool_pa", fmt.Sprintf("%#x", pool.PA),
		"pool_size", conf.PoolSize,
		"conntrack_stats", t.ct != nil)
	return t, nil
}

func (t *Table) words(slot int32) *slotWords {
	if uint32(slot) < t.htSize {
		return wordsAt(t.htable.VA, uint64(slot)*RecordSize)
	}
	return wordsAt(t.pool.VA, uint64(uint32(slot)-t.htSize)*RecordSize)
}

// pa returns the bus address of a slot.
func (t *Table) pa(slot int32) uint32 {
	if uint32(slot) < t.htSize {
		return uint32(t.htable.VirtToPhys(uint64(slot) * RecordSize))
	}
	return uint32(t.pool.VirtToPhys(uint64(uint32(slot)-t.htSize) * RecordSize))
}

// slotOf maps a bus address found in a next field back to a slot.
func (t *Table) slotOf(pa uint32) (int32, bool) {
	if off, ok := t.pool.PhysToVirt(uint64(pa)); ok {
		i := off / RecordSize
		if off%RecordSize == 0 && i < uint64(t.free.Depth()) {
			return int32(t.htSize + uint32(i)), true
		}
	}
	if off, ok := t.htable.PhysToVirt(uint64(pa)); ok {
		i := off / RecordSize
		if off%RecordSize == 0 && i < uint64(t.htSize) {
			return int32(i), true
		}
	}
	return -1, false
}

// Add inserts e into the table. e must be detached and carry a complete
// 5-tuple.
func (t *Table) Add(e *Entry) error {
	if e == nil {
		return ErrInvalidTuple
	}
	if err := e.tuple.validate(); err != nil {
		return err
	}
	if err := t.lock(); err != nil {
		return err
	}
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if e.table != nil {
		return ErrEntryAttached
	}
	return t.add(e)
}

func (t *Table) add(e *Entry) error {
	h := int32(Hash(e.tuple, t.conf.Hash, t.htSize))
	if t.findInBucket(h, e.tuple) >= 0 {
		return ErrExists
	}

	rec := e.record()
	if e.actions&(ActionAddVLAN|ActionModVLAN) != 0 {
		rec.put16(offVLANStats, bridge.StatsIndex(t.bd, e.vlan))
	}

	slot, tail := h, int32(-1)
	if t.nodes[h].e != nil {
		s, ok := t.free.Get()
		if !ok {
			t.poolExhausted.Add(1)
			return ErrPoolExhausted
		}
		slot, tail = s, h
		for t.nodes[tail].chainNext >= 0 {
			tail = t.nodes[tail].chainNext
		}
	}

	id := t.nextID5T()
	rec.put32(offID5T, id)
	var si uint16
	if t.ct != nil {
		var err error
		if si, err = t.ct.alloc(id); err != nil {
			t.log.Debug("no conntrack stats slot", "tuple", e.tuple, "err", err)
		}
		rec.put16(offCTStats, si)
	}
	rec.put32(offOrig, t.pa(slot))
	flags := flagValid | rec.u32(offFlags)&flagIPv6

	w := t.words(slot)
	store(w, &rec)
	if tail < 0 {
		storeFlags(w, flags)
		t.htUsed++
	} else {
		tw := t.words(tail)
		t.guardedUpdate([]int32{tail}, func(saved []uint32) []publish {
			storeNext(tw, t.pa(slot))
			return []publish{{slot, flags}, {tail, saved[0]}}
		})
	}

	n := &t.nodes[slot]
	n.e = e
	if tail >= 0 {
		n.chainPrev = tail
		t.nodes[tail].chainNext = slot
	}
	t.linkActive(slot)

	e.table, e.slot, e.id5t, e.statsIndex = t, slot, id, si
	e.currTimeout = e.timeout

	t.count++
	if t.count == 1 {
		t.setLookup(true)
	}
	t.adds.Add(1)
	return nil
}

func (t *Table) nextID5T() uint32 {
	t.lastID5T++
	if t.lastID5T == 0 {
		t.lastID5T++
	}
	return t.lastID5T
}

// findInBucket returns the slot holding tp in bucket h, or -1.
func (t *Table) findInBucket(h int32, tp Tuple) int32 {
	for s := h; s >= 0; s = t.nodes[s].chainNext {
		if e := t.nodes[s].e; e != nil && e.tuple == tp {
			return s
		}
	}
	return -1
}

// Del removes e from the table.
func (t *Table) Del(e *Entry) error {
	if e == nil {
		return ErrEntryDetached
	}
	if err := t.lock(); err != nil {
		return err
	}
	defer t.mu.Unlock()

	switch {
	case e.table == nil:
		return ErrEntryDetached
	case e.table != t:
		return ErrNotFound
	}
	t.del(e)
	return nil
}

// DelBy5Tuple removes the entry matching tp and returns it detached.
func (t *Table) DelBy5Tuple(tp Tuple) (*Entry, error) {
	tp = tp.canonical()
	if err := tp.validate(); err != nil {
		return nil, err
	}
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.mu.Unlock()

	s := t.findInBucket(int32(Hash(tp, t.conf.Hash, t.htSize)), tp)
	if s < 0 {
		return nil, ErrNotFound
	}
	e := t.nodes[s].e
	t.del(e)
	return e, nil
}

// del unlinks e. Caller holds the lock.
func (t *Table) del(e *Entry) {
	s := e.slot
	n := &t.nodes[s]
	w := t.words(s)

	switch {
	case n.chainPrev < 0 && n.chainNext < 0:
		// Sole record of its bucket.
		t.guardedUpdate([]int32{s}, func([]uint32) []publish {
			zero(w)
			return nil
		})
		t.unlinkActive(s)
		*n = emptyNode
		t.htUsed--

	case n.chainPrev < 0:
		// Bucket head with a successor. Lookups always start at the
		// bucket, so the successor moves up into it.
		p := n.chainNext
		pw := t.words(p)
		t.guardedUpdate([]int32{s, p}, func(saved []uint32) []publish {
			var rec record
			load(pw, &rec)
			rec.put32(offOrig, t.pa(s))
			store(w, &rec)
			zero(pw)
			return []publish{{s, saved[1]}}
		})
		t.unlinkActive(s)
		t.moveNode(p, s)
		t.release(p)

	default:
		// Pool record: splice it out of the chain.
		q := n.chainPrev
		qw := t.words(q)
		t.guardedUpdate([]int32{q, s}, func(saved []uint32) []publish {
			storeNext(qw, loadNext(w))
			zero(w)
			return []publish{{q, saved[0]}}
		})
		t.unlinkActive(s)
		t.nodes[q].chainNext = n.chainNext
		if n.chainNext >= 0 {
			t.nodes[n.chainNext].chainPrev = q
		}
		*n = emptyNode
		t.release(s)
	}

	if t.ct != nil {
		t.ct.free(e.statsIndex)
	}
	e.table, e.slot, e.id5t, e.statsIndex = nil, -1, 0, 0

	t.count--
	if t.count == 0 {
		t.setLookup(false)
	}
	t.dels.Add(1)
}

// release returns a pool slot to the free fifo.
func (t *Table) release(slot int32) {
	if err := t.free.Put(slot); err != nil {
		t.log.Error("returning slot to rtable pool", "slot", slot, "err", err)
	}
}

// moveNode relocates the shadow of from into the bucket slot to, which
// from used to follow.
func (t *Table) moveNode(from, to int32) {
	src := t.nodes[from]
	dst := &t.nodes[to]

	dst.e = src.e
	dst.chainPrev = -1
	dst.chainNext = src.chainNext
	if src.chainNext >= 0 {
		t.nodes[src.chainNext].chainPrev = to
	}

	dst.actPrev, dst.actNext = src.actPrev, src.actNext
	if src.actPrev >= 0 {
		t.nodes[src.actPrev].actNext = to
	} else {
		t.actHead = to
	}
	if src.actNext >= 0 {
		t.nodes[src.actNext].actPrev = to
	} else {
		t.actTail = to
	}
	if t.iter.cur == from {
		t.iter.cur = to
	}

	src.e.slot = to
	t.nodes[from] = emptyNode
}

func (t *Table) linkActive(s int32) {
	n := &t.nodes[s]
	n.actPrev, n.actNext = t.actTail, -1
	if t.actTail >= 0 {
		t.nodes[t.actTail].actNext = s
	} else {
		t.actHead = s
	}
	t.actTail = s
}

func (t *Table) unlinkActive(s int32) {
	n := &t.nodes[s]
	if t.iter.cur == s {
		t.iter.cur = n.actNext
	}
	if n.actPrev >= 0 {
		t.nodes[n.actPrev].actNext = n.actNext
	} else {
		t.actHead = n.actNext
	}
	if n.actNext >= 0 {
		t.nodes[n.actNext].actPrev = n.actPrev
	} else {
		t.actTail = n.actPrev
	}
	n.actPrev, n.actNext = -1, -1
}

func (t *Table) setLookup(on bool) {
	var err error
	if on {
		err = t.cls.RtableLookupEnable()
	} else {
		err = t.cls.RtableLookupDisable()
	}
	if err != nil {
		t.log.Error("switching rtable lookup", "enable", on, "err", err)
	}
	t.lookupOn.Store(on)
}

// Len returns the number of entries in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Close stops Run, detaches every entry without invoking callbacks,
// clears both memory blocks and releases the conntrack counters. The
// blocks themselves remain owned by the caller.
func (t *Table) Close() error {
	t.closeOnce.Do(func() { close(t.closing) })
	defer t.workers.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	t.lookupOn.Store(false)
	if err := t.cls.RtableLookupDisable(); err != nil {
		errs = append(errs, fmt.Errorf("disabling rtable lookup: %w", err))
	}

	for s := t.actHead; s >= 0; {
		n := t.nodes[s]
		n.e.table, n.e.slot, n.e.id5t, n.e.statsIndex = nil, -1, 0, 0
		s = n.actNext
	}
	for i := range t.nodes {
		zero(t.words(int32(i)))
		t.nodes[i] = emptyNode
	}
	t.actHead, t.actTail, t.iter.cur = -1, -1, -1
	t.count, t.htUsed = 0, 0

	if t.ct != nil {
		if err := t.ct.close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.log.Info("rtable closed", "adds", t.adds.Load(), "dels", t.dels.Load())
	return errors.Join(errs...)
}
