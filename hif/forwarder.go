package hif

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/romshark/pfe-go/flowkey"
	"github.com/romshark/pfe-go/rtable"
)

// ForwarderStats counts what the forwarder did with received frames.
type ForwarderStats struct {
	Received    uint64
	Forwarded   uint64
	Misses      uint64 // no routing entry
	NotIP       uint64
	TTLExceeded uint64
	NoPort      uint64 // entry names an egress interface we do not serve
	Errors      uint64 // rewrite or transmit failures
}

func (s ForwarderStats) String() string {
	return fmt.Sprintf("rx=%d fwd=%d miss=%d not-ip=%d ttl=%d no-port=%d err=%d",
		s.Received, s.Forwarded, s.Misses, s.NotIP, s.TTLExceeded, s.NoPort, s.Errors)
}

// Forwarder moves frames between host interfaces according to the routing
// table, doing in software what a classifier PE does in hardware.
type Forwarder struct {
	table *rtable.Table
	ports map[uint8]string
	log   *slog.Logger

	received    atomic.Uint64
	forwarded   atomic.Uint64
	misses      atomic.Uint64
	notIP       atomic.Uint64
	ttlExceeded atomic.Uint64
	noPort      atomic.Uint64
	errs        atomic.Uint64
}

// NewForwarder creates a forwarder. ports maps the physical interface ids
// used as egress in routing entries to Linux interface names.
func NewForwarder(table *rtable.Table, ports map[uint8]string, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{table: table, ports: ports, log: log}
}

func (fw *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Received:    fw.received.Load(),
		Forwarded:   fw.forwarded.Load(),
		Misses:      fw.misses.Load(),
		NotIP:       fw.notIP.Load(),
		TTLExceeded: fw.ttlExceeded.Load(),
		NoPort:      fw.noPort.Load(),
		Errors:      fw.errs.Load(),
	}
}

// verdict is the outcome of classifying one frame.
type verdict struct {
	egress string
	frame  flowkey.Frame
	match  rtable.Match
}

// classify parses buf, looks it up and applies the in-place rewrites.
// pe selects the conntrack counters the hit is accounted against.
// It returns false if the frame must be dropped.
func (fw *Forwarder) classify(p *flowkey.Parser, buf []byte, pe int) (verdict, bool) {
	fw.received.Add(1)

	var v verdict
	f, err := p.Parse(buf)
	if err != nil {
		fw.notIP.Add(1)
		return v, false
	}
	m, ok := fw.table.Lookup(f.Tuple)
	if !ok {
		fw.misses.Add(1)
		return v, false
	}
	egress, ok := fw.ports[m.DstIf]
	if !ok {
		fw.noPort.Add(1)
		return v, false
	}
	if err := rewrite(buf, &f, &m); err != nil {
		if errors.Is(err, ErrTTLExceeded) {
			fw.ttlExceeded.Add(1)
		} else {
			fw.errs.Add(1)
			fw.log.Debug("rewrite failed", "flow", f.Tuple, "err", err)
		}
		return v, false
	}
	if err := fw.table.CountHit(m, pe, uint64(len(buf))); err != nil {
		fw.log.Debug("counting hit", "id5t", m.ID5T, "err", err)
	}
	v.egress, v.frame, v.match = egress, f, m
	return v, true
}
