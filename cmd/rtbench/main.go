//go:build linux

// rtbench measures routing table throughput against the in-memory
// classifier: it inserts flows, looks each one up, deletes half of them
// and lets the rest expire through timeout sweeps.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/pfe-go/classifier"
	"github.com/romshark/pfe-go/dma"
	"github.com/romshark/pfe-go/ratelimit"
	"github.com/romshark/pfe-go/rtable"
)

const (
	// Hash table and pool of this many records fit the default IOVA window.
	maxFlows = 1 << 20

	dmemSize = 2 << 20
)

type Options struct {
	Count       uint64
	Rate        uint64
	HashSize    uint32
	UpdateDelay time.Duration
	IPv6        bool
	Stats       bool
}

func loadOptions() (*Options, error) {
	fCount := flag.Uint64("n", 10_000, "number of flows")
	fRate := flag.Uint64("rate", 0, "insert rate limit in ops/s (0 = unlimited)")
	fHash := flag.Uint("htable", 0, "hash table size (default: next power of two >= n/2)")
	fDelay := flag.Duration("update-delay", rtable.DefaultUpdateDelay, "invalidate to publish delay")
	fIPv6 := flag.Bool("6", false, "use IPv6 flows")
	fStats := flag.Bool("stats", false, "enable conntrack counters")
	fDebug := flag.Bool("debug", false, "enable table debug logging")
	flag.Parse()

	o := &Options{
		Count:       *fCount,
		Rate:        *fRate,
		HashSize:    uint32(*fHash),
		UpdateDelay: *fDelay,
		IPv6:        *fIPv6,
		Stats:       *fStats,
	}
	if o.Count == 0 {
		return nil, errors.New("-n must be > 0")
	}
	if o.Count > maxFlows {
		return nil, fmt.Errorf("-n must be <= %d", maxFlows)
	}
	if o.UpdateDelay <= 0 {
		// rtable treats 0 as "use the default".
		o.UpdateDelay = time.Nanosecond
	}
	if o.HashSize == 0 {
		o.HashSize = nextPow2(uint32(max(o.Count/2, 1)))
	}

	level := slog.LevelWarn
	if *fDebug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return o, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func nextPow2(v uint32) uint32 {
	n := uint32(1)
	for n < v {
		n <<= 1
	}
	return n
}

// tuple returns the i-th benchmark flow. Flows differ in source address
// and source port so that they spread over the hash table.
func tuple(i uint64, v6 bool) rtable.Tuple {
	t := rtable.Tuple{
		SrcPort: uint16(1024 + i%60000),
		DstPort: 443,
		Proto:   6,
	}
	if v6 {
		src := [16]byte{0x20, 0x01, 0x0d, 0xb8}
		src[12], src[13], src[14], src[15] = byte(i>>24), byte(i>>16), byte(i>>8), byte(i)
		t.SrcIP = netip.AddrFrom16(src)
		t.DstIP = netip.MustParseAddr("2001:db8:ffff::1")
	} else {
		t.SrcIP = netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)})
		t.DstIP = netip.AddrFrom4([4]byte{192, 0, 2, 1})
	}
	return t
}

type phase struct {
	name    string
	ops     uint64
	errs    uint64
	elapsed time.Duration
}

type bench struct {
	opts    *Options
	table   *rtable.Table
	entries []*rtable.Entry
	phases  []phase
}

func (b *bench) timed(name string, fn func() (ops, errs uint64, err error)) error {
	start := time.Now()
	ops, errs, err := fn()
	b.phases = append(b.phases, phase{name: name, ops: ops, errs: errs, elapsed: time.Since(start)})
	return err
}

func (b *bench) insert(ctx context.Context) (ops, errs uint64, err error) {
	thr := ratelimit.New(b.opts.Rate)
	b.entries = make([]*rtable.Entry, 0, b.opts.Count)
	for i := range b.opts.Count {
		e := rtable.NewEntry()
		if err := e.Set5Tuple(tuple(i, b.opts.IPv6)); err != nil {
			return ops, errs, err
		}
		if err := e.SetDstIf(uint8(i % 4)); err != nil {
			return ops, errs, err
		}
		e.SetTimeout(1)
		if err := b.table.Add(e); err != nil {
			if !errors.Is(err, rtable.ErrPoolExhausted) {
				return ops, errs, err
			}
			errs++
		} else {
			b.entries = append(b.entries, e)
		}
		ops++
		if err := thr.Wait(ctx, 1); err != nil {
			return ops, errs, err
		}
	}
	return ops, errs, nil
}

func (b *bench) lookup() (ops, errs uint64, err error) {
	for _, e := range b.entries {
		if _, ok := b.table.Lookup(e.Tuple()); !ok {
			errs++
		}
		ops++
	}
	return ops, errs, nil
}

func (b *bench) deleteHalf() (ops, errs uint64, err error) {
	keep := b.entries[:0]
	for i, e := range b.entries {
		if i%2 == 1 {
			keep = append(keep, e)
			continue
		}
		if err := b.table.Del(e); err != nil {
			errs++
		}
		ops++
	}
	b.entries = keep
	return ops, errs, nil
}

// expire runs sweeps until the table is empty. Entries that were looked
// up need one sweep to consume the hit and one to expire.
func (b *bench) expire() (ops, errs uint64, err error) {
	before := b.table.Len()
	for sweep := 0; b.table.Len() > 0; sweep++ {
		if sweep == 3 {
			return uint64(before - b.table.Len()), uint64(b.table.Len()),
				fmt.Errorf("%d entries left after %d sweeps", b.table.Len(), sweep)
		}
		if err := b.table.DoTimeouts(); err != nil {
			return 0, 0, err
		}
	}
	return uint64(before), 0, nil
}

func main() {
	opts, err := loadOptions()
	fatalIf(err, "parsing flags")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alloc, err := dma.NewMmap(dma.Config{})
	fatalIf(err, "creating dma allocator")
	defer alloc.Close()

	poolSize := nextPow2(uint32(opts.Count))
	htable, err := alloc.Alloc("rtable-htable", uint64(opts.HashSize)*rtable.RecordSize, rtable.RecordSize, false)
	fatalIf(err, "allocating hash table of %d records", opts.HashSize)
	pool, err := alloc.Alloc("rtable-pool", uint64(poolSize)*rtable.RecordSize, rtable.RecordSize, false)
	fatalIf(err, "allocating pool of %d records", poolSize)

	cls := classifier.NewMemory(1, dmemSize)
	conf := rtable.Config{
		HashTableSize: opts.HashSize,
		PoolSize:      poolSize,
		UpdateDelay:   opts.UpdateDelay,
		Logger:        slog.Default(),
	}
	if opts.Stats {
		heap, err := classifier.NewHeap(cls, 0, dmemSize, 4)
		fatalIf(err, "creating dmem heap")
		defer heap.Close()
		conf.StatsHeap = heap
		conf.StatsSlots = min(nextPow2(uint32(opts.Count)), rtable.MaxStatsSlots)
	}
	table, err := rtable.New(htable, pool, cls, nil, conf)
	fatalIf(err, "creating table")
	defer table.Close()

	fmt.Fprintf(os.Stderr, "rtbench: %d flows, %d buckets, %d pool records, %s of table memory\n",
		opts.Count, opts.HashSize, poolSize,
		humanize.IBytes(uint64(opts.HashSize+poolSize)*rtable.RecordSize))

	b := &bench{opts: opts, table: table}
	fatalIf(b.timed("insert", func() (uint64, uint64, error) { return b.insert(ctx) }), "insert")
	peak := table.Stats()
	fatalIf(b.timed("lookup", b.lookup), "lookup")
	fatalIf(b.timed("delete", b.deleteHalf), "delete")
	fatalIf(b.timed("expire", b.expire), "expire")

	printReport(os.Stdout, peak, table.Stats(), b.phases)
}

func printReport(w io.Writer, peak, final rtable.Stats, phases []phase) {
	p := message.NewPrinter(language.English)

	p.Fprint(w, "\nFINAL REPORT\n")
	for _, ph := range phases {
		rate := float64(ph.ops) / max(ph.elapsed.Seconds(), 1e-9)
		p.Fprintf(w, " %-8s %12d ops  %10.3f ms  %12.0f ops/s  %d failed\n",
			ph.name+":", ph.ops, float64(ph.elapsed.Microseconds())/1e3, rate, ph.errs)
	}
	p.Fprintf(w, " Peak entries:      %d\n", peak.Entries)
	p.Fprintf(w, " Buckets used:      %d / %d (%.1f%%)\n",
		peak.HashSlotsUsed, peak.HashTableSize,
		float64(peak.HashSlotsUsed)/float64(peak.HashTableSize)*100)
	p.Fprintf(w, " Pool used:         %d / %d\n", peak.PoolSize-peak.PoolFree, peak.PoolSize)
	p.Fprintf(w, " Pool exhausted:    %d\n", final.PoolExhausted)
	p.Fprintf(w, " Timeouts:          %d\n", final.Timeouts)
	p.Fprintf(w, " Entries left:      %d\n", final.Entries)
}
