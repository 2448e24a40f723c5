// Package metrics exports forwarding engine state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/romshark/pfe-go/blalloc"
	"github.com/romshark/pfe-go/hif"
	"github.com/romshark/pfe-go/rtable"
)

type TableSource interface{ Stats() rtable.Stats }

type PoolSource interface {
	Depth() uint32
	Free() uint32
}

type HeapSource interface{ Stats() blalloc.Stats }

type ForwarderSource interface{ Stats() hif.ForwarderStats }

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	Table     TableSource
	Pool      PoolSource
	DMEM      HeapSource
	Forwarder ForwarderSource
}

// Collector implements prometheus.Collector.
type Collector struct {
	src Sources

	entries       *prometheus.Desc
	poolFree      *prometheus.Desc
	hashSlotsUsed *prometheus.Desc
	lookupEnabled *prometheus.Desc
	addsTotal     *prometheus.Desc
	delsTotal     *prometheus.Desc
	timeoutsTotal *prometheus.Desc
	exhaustTotal  *prometheus.Desc

	bufsFree *prometheus.Desc
	bufs     *prometheus.Desc

	dmemFree      *prometheus.Desc
	dmemFragments *prometheus.Desc

	framesTotal *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(name, help, labels, nil)
}

func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,

		entries:       desc("pfe_rtable_entries", "Current number of routing table entries."),
		poolFree:      desc("pfe_rtable_pool_free", "Free overflow pool slots."),
		hashSlotsUsed: desc("pfe_rtable_hash_slots_used", "Hash table buckets holding at least one entry."),
		lookupEnabled: desc("pfe_rtable_lookup_enabled", "1 if classifier lookups are enabled."),
		addsTotal:     desc("pfe_rtable_adds_total", "Total entries added."),
		delsTotal:     desc("pfe_rtable_dels_total", "Total entries removed, including timeouts."),
		timeoutsTotal: desc("pfe_rtable_timeouts_total", "Total entries removed by timeout."),
		exhaustTotal:  desc("pfe_rtable_pool_exhausted_total", "Total adds rejected for lack of pool slots."),

		bufsFree: desc("pfe_bpool_free_buffers", "Buffers currently in the pool."),
		bufs:     desc("pfe_bpool_buffers", "Total buffers in the pool."),

		dmemFree:      desc("pfe_dmem_free_bytes", "Unallocated classifier DMEM heap bytes."),
		dmemFragments: desc("pfe_dmem_fragments", "Free DMEM heap runs."),

		framesTotal: desc("pfe_hif_frames_total", "Frames handled by the host interface forwarder.", "result"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.poolFree
	ch <- c.hashSlotsUsed
	ch <- c.lookupEnabled
	ch <- c.addsTotal
	ch <- c.delsTotal
	ch <- c.timeoutsTotal
	ch <- c.exhaustTotal
	ch <- c.bufsFree
	ch <- c.bufs
	ch <- c.dmemFree
	ch <- c.dmemFragments
	ch <- c.framesTotal
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	if c.src.Table != nil {
		s := c.src.Table.Stats()
		gauge(c.entries, float64(s.Entries))
		gauge(c.poolFree, float64(s.PoolFree))
		gauge(c.hashSlotsUsed, float64(s.HashSlotsUsed))
		lookup := 0.0
		if s.LookupEnabled {
			lookup = 1
		}
		gauge(c.lookupEnabled, lookup)
		counter(c.addsTotal, s.Adds)
		counter(c.delsTotal, s.Dels)
		counter(c.timeoutsTotal, s.Timeouts)
		counter(c.exhaustTotal, s.PoolExhausted)
	}
	if c.src.Pool != nil {
		gauge(c.bufsFree, float64(c.src.Pool.Free()))
		gauge(c.bufs, float64(c.src.Pool.Depth()))
	}
	if c.src.DMEM != nil {
		s := c.src.DMEM.Stats()
		gauge(c.dmemFree, float64(s.FreeBytes()))
		gauge(c.dmemFragments, float64(s.Fragments))
	}
	if c.src.Forwarder != nil {
		s := c.src.Forwarder.Stats()
		counter(c.framesTotal, s.Forwarded, "forwarded")
		counter(c.framesTotal, s.Misses, "miss")
		counter(c.framesTotal, s.NotIP, "not_ip")
		counter(c.framesTotal, s.TTLExceeded, "ttl_exceeded")
		counter(c.framesTotal, s.NoPort, "no_port")
		counter(c.framesTotal, s.Errors, "error")
	}
}
