//go:build linux

// pfed runs the routing table against a classifier and optionally
// forwards frames between network interfaces through it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vishvananda/netlink"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/pfe-go/bpool"
	"github.com/romshark/pfe-go/bridge"
	"github.com/romshark/pfe-go/classifier"
	"github.com/romshark/pfe-go/config"
	"github.com/romshark/pfe-go/dma"
	"github.com/romshark/pfe-go/hif"
	"github.com/romshark/pfe-go/ifacestat"
	"github.com/romshark/pfe-go/metrics"
	"github.com/romshark/pfe-go/rtable"
)

const bridgeRefreshPeriod = 30 * time.Second

func main() {
	fConfig := flag.String("config", "pfe.yaml", "path to config YAML file")
	fDebug := flag.Bool("debug", false, "enable debug logging")
	fNoDataplane := flag.Bool("no-dataplane", false,
		"use the in-memory classifier and do not attach to interfaces")
	fStats := flag.Duration("stats", 10*time.Second, "table stats log interval (0 disables)")
	flag.Parse()

	level := slog.LevelInfo
	if *fDebug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	conf, err := config.Load(*fConfig)
	fatalIf(err, "loading config %q", *fConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &daemon{
		conf:      conf,
		log:       log,
		dataplane: !*fNoDataplane,
		statsEach: *fStats,
	}
	err = d.run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	fatalIf(err, "pfed")
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type daemon struct {
	conf      *config.Config
	log       *slog.Logger
	dataplane bool
	statsEach time.Duration

	alloc *dma.Mmap
	cls   classifier.Classifier
	heap  *classifier.Heap
	table *rtable.Table
	fw    *hif.Forwarder
	pools poolSet
}

// run sets everything up, blocks until ctx is done or the forwarder
// fails and tears down in reverse order.
func (d *daemon) run(ctx context.Context) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				d.log.Warn("shutdown", "err", err)
			}
		}
	}()

	alloc, err := dma.NewMmap(d.conf.DMAConfig())
	if err != nil {
		return fmt.Errorf("creating dma allocator: %w", err)
	}
	d.alloc = alloc
	closers = append(closers, alloc.Close)

	if err := d.setupClassifier(&closers); err != nil {
		return err
	}

	bd, err := d.bridge(ctx)
	if err != nil {
		return err
	}

	if err := d.setupTable(bd, &closers); err != nil {
		return err
	}
	if err := d.installFlows(); err != nil {
		return err
	}

	forwarding := d.dataplane && len(d.conf.HIF.Interfaces) > 0
	if forwarding {
		d.fw = hif.NewForwarder(d.table, d.conf.Ports(), d.log.With("component", "hif"))
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Go(func() { d.table.Run(ctx) })
	if d.statsEach > 0 {
		wg.Go(func() { d.logStats(ctx) })
	}

	if d.conf.MetricsAddr != "" {
		srv := d.metricsServer()
		wg.Go(func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("metrics server", "err", err)
			}
		})
		wg.Go(func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				d.log.Warn("stopping metrics server", "err", err)
			}
		})
		d.log.Info("metrics listening", "addr", d.conf.MetricsAddr)
	}

	if !forwarding {
		<-ctx.Done()
		d.printFinalReport(nil)
		return ctx.Err()
	}

	before, err := ifacestat.Snapshot(d.conf.HIF.Interfaces, ifacestat.AllCounters...)
	if err != nil {
		return err
	}
	err = d.forward(ctx)
	if after, serr := ifacestat.Snapshot(d.conf.HIF.Interfaces, ifacestat.AllCounters...); serr == nil {
		d.printFinalReport(after.Since(before))
	} else {
		d.log.Warn("reading interface counters", "err", serr)
		d.printFinalReport(nil)
	}
	return err
}

func (d *daemon) setupClassifier(closers *[]func() error) error {
	m := d.conf.DMEM
	if d.dataplane {
		c, err := classifier.NewEBPF(m.NumPEs, m.Size)
		if err != nil {
			return fmt.Errorf("creating eBPF classifier: %w", err)
		}
		*closers = append(*closers, c.Close)
		d.cls = c
	} else {
		d.cls = classifier.NewMemory(m.NumPEs, m.Size)
	}

	heap, err := classifier.NewHeap(d.cls, m.HeapBase, m.HeapSize, m.ChunkLog2)
	if err != nil {
		return fmt.Errorf("creating dmem heap: %w", err)
	}
	*closers = append(*closers, func() error { heap.Close(); return nil })
	d.heap = heap

	d.log.Info("classifier ready",
		"dataplane", d.dataplane,
		"pes", m.NumPEs,
		"dmem", humanize.IBytes(uint64(m.Size)),
		"heap", humanize.IBytes(uint64(m.HeapSize)))
	return nil
}

// bridge returns the VLAN domain lookup, or nil if none is configured.
func (d *daemon) bridge(ctx context.Context) (bridge.Lookup, error) {
	switch {
	case d.conf.Bridge.Netlink:
		nl, err := bridge.NewNetlink()
		if err != nil {
			return nil, err
		}
		go func() {
			t := time.NewTicker(bridgeRefreshPeriod)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := nl.Refresh(); err != nil {
						d.log.Warn("refreshing bridge domains", "err", err)
					}
				}
			}
		}()
		return nl, nil
	case len(d.conf.Bridge.Static) > 0:
		return bridge.NewStatic(d.conf.Bridge.Static), nil
	}
	return nil, nil
}

func (d *daemon) setupTable(bd bridge.Lookup, closers *[]func() error) error {
	tc, err := d.conf.TableConfig()
	if err != nil {
		return err
	}
	if tc.StatsSlots > 0 {
		tc.StatsHeap = d.heap
	}
	tc.Logger = d.log.With("component", "rtable")
	if err := tc.ValidateAndSetDefaults(); err != nil {
		return err
	}

	htable, err := d.alloc.Alloc("rtable-htable", uint64(tc.HashTableSize)*rtable.RecordSize, rtable.RecordSize, false)
	if err != nil {
		return fmt.Errorf("allocating hash table: %w", err)
	}
	*closers = append(*closers, func() error { return d.alloc.Free(htable) })
	pool, err := d.alloc.Alloc("rtable-pool", uint64(tc.PoolSize)*rtable.RecordSize, rtable.RecordSize, false)
	if err != nil {
		return fmt.Errorf("allocating pool: %w", err)
	}
	*closers = append(*closers, func() error { return d.alloc.Free(pool) })

	t, err := rtable.New(htable, pool, d.cls, bd, tc)
	if err != nil {
		return err
	}
	*closers = append(*closers, t.Close)
	d.table = t

	d.log.Info("rtable created",
		"htable", htable,
		"pool", pool,
		"timeout_period", tc.TimeoutPeriod,
		"lock_policy", d.conf.Rtable.LockPolicy)
	return nil
}

func (d *daemon) installFlows() error {
	for i, f := range d.conf.Flows {
		e, err := f.Entry(d.conf.Interfaces)
		if err != nil {
			return fmt.Errorf("flows[%d]: %w", i, err)
		}
		e.SetCallback(func(e *rtable.Entry, r rtable.Reason) {
			d.log.Info("flow removed", "tuple", e.Tuple(), "reason", r)
		})
		if err := d.table.Add(e); err != nil {
			return fmt.Errorf("flows[%d] %s: %w", i, e.Tuple(), err)
		}
		d.log.Debug("flow installed",
			"tuple", e.Tuple(), "actions", e.Actions(), "id5t", e.ID5T())
	}
	if len(d.conf.Flows) > 0 {
		d.log.Info("flows installed", "count", len(d.conf.Flows))
	}
	return nil
}

func (d *daemon) metricsServer() *http.Server {
	src := metrics.Sources{Table: d.table, DMEM: d.heap}
	if d.fw != nil {
		src.Pool = &d.pools
		src.Forwarder = d.fw
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(src))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              d.conf.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (d *daemon) forward(ctx context.Context) error {
	var ifaces []*hif.Interface
	defer func() {
		for _, i := range ifaces {
			if err := i.Close(); err != nil {
				d.log.Warn("closing interface", "err", err)
			}
		}
	}()
	for _, name := range d.conf.HIF.Interfaces {
		if _, err := netlink.LinkByName(name); err != nil {
			return fmt.Errorf("interface %s: %w", name, err)
		}
		i, err := hif.MakeInterface(name, hif.InterfaceConfig{
			PreferZerocopy: d.conf.HIF.PreferZerocopy,
		})
		if err != nil {
			return err
		}
		ifaces = append(ifaces, i)
		d.log.Info("interface attached",
			"iface", name, "id", d.conf.Interfaces[name], "mac", i.HardwareAddr())
	}

	b := d.conf.Bpool
	return d.fw.Run(ctx, ifaces, hif.RunConfig{
		Socket: d.conf.SocketConfig(),
		NewPool: func() (*bpool.Pool, error) {
			p, err := bpool.New(d.alloc, b.Depth, b.BufferSize, b.Align, b.Cached,
				d.log.With("component", "bpool"))
			if err != nil {
				return nil, err
			}
			d.pools.add(p)
			return p, nil
		},
		PEs: d.cls.NumPEs(),
	})
}

func (d *daemon) logStats(ctx context.Context) {
	t := time.NewTicker(d.statsEach)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.log.Info("rtable stats", "stats", d.table.Stats())
			if d.fw != nil {
				d.log.Info("hif stats", "stats", d.fw.Stats())
			}
		}
	}
}

func (d *daemon) printFinalReport(links ifacestat.Stats) {
	ts := d.table.Stats()
	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Entries:           %d\n", ts.Entries)
	p.Printf(" Buckets used:      %d / %d\n", ts.HashSlotsUsed, ts.HashTableSize)
	p.Printf(" Pool used:         %d / %d\n", ts.PoolSize-ts.PoolFree, ts.PoolSize)
	p.Printf(" Adds:              %d\n", ts.Adds)
	p.Printf(" Dels:              %d\n", ts.Dels)
	p.Printf(" Timeouts:          %d\n", ts.Timeouts)
	p.Printf(" Pool exhausted:    %d\n", ts.PoolExhausted)
	p.Printf(" DMEM heap:         %s\n", d.heap.Stats())
	for name, n := range d.alloc.Usage() {
		p.Printf(" DMA %-14s %s\n", name+":", humanize.IBytes(n))
	}
	if d.fw != nil {
		fs := d.fw.Stats()
		p.Printf(" Received:          %d frames\n", fs.Received)
		p.Printf(" Forwarded:         %d frames\n", fs.Forwarded)
		p.Printf(" Dropped:           %d miss, %d not IP, %d TTL, %d no port, %d error\n",
			fs.Misses, fs.NotIP, fs.TTLExceeded, fs.NoPort, fs.Errors)
	}
	if len(links) > 0 {
		aliases := make(map[string]string, len(links))
		for name := range links {
			aliases[name] = "phy " + strconv.Itoa(int(d.conf.Interfaces[name]))
		}
		p.Print("\nLINKS\n")
		_ = ifacestat.Print(os.Stdout, links, aliases)
	}
}

// poolSet sums the buffer pools handed to the forwarder.
type poolSet struct {
	mu    sync.Mutex
	pools []*bpool.Pool
}

func (s *poolSet) add(p *bpool.Pool) {
	s.mu.Lock()
	s.pools = append(s.pools, p)
	s.mu.Unlock()
}

func (s *poolSet) Depth() (n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pools {
		n += p.Depth()
	}
	return n
}

func (s *poolSet) Free() (n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pools {
		n += p.Free()
	}
	return n
}
