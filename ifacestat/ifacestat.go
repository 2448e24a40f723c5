// Package ifacestat samples kernel link counters of the interfaces the
// host interface forwards on.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxDropped
	RxPackets
	RxBytes
	RxDropped
)

// AllCounters lists every Counter in report order.
var AllCounters = []Counter{TxPackets, TxBytes, TxDropped, RxPackets, RxBytes, RxDropped}

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxDropped:
		return "tx_dropped"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	}
	return ""
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Since computes s(now) - old. Counters that went backwards, as after a
// link reset, report their current value.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			if p := prev[ctr]; p <= v {
				diff[ctr] = v - p
			} else {
				diff[ctr] = v
			}
		}
		out[ifc] = diff
	}
	return out
}

// Print writes one block per interface, sorted by name. aliases annotate
// interface names, e.g. with their physical interface id.
func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		st := s[iface]
		var err error
		if alias, ok := aliases[iface]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s:\n", iface)
		}
		if err != nil {
			return err
		}
		for _, dir := range [...]struct {
			name                 string
			pkts, bytes, dropped Counter
		}{
			{"TX", TxPackets, TxBytes, TxDropped},
			{"RX", RxPackets, RxBytes, RxDropped},
		} {
			b := st[dir.bytes]
			_, err := fmt.Fprintf(w, "  %s   %-12d  ≈ %-8s (%s)  dropped %s\n",
				dir.name, st[dir.pkts], humanize.Bytes(b),
				humanize.Comma(int64(b)), humanize.Comma(int64(st[dir.dropped])),
			)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
