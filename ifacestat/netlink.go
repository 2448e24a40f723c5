//go:build linux

package ifacestat

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// Snapshot reads the link statistics of ifaces over netlink. Only the
// requested counters are recorded.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats, len(ifaces))
	for _, iface := range ifaces {
		l, err := netlink.LinkByName(iface)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		st := l.Attrs().Statistics
		if st == nil {
			return nil, fmt.Errorf("reading %s: no link statistics", iface)
		}
		s[iface] = pick(st, counters)
	}
	return s, nil
}

func pick(st *netlink.LinkStatistics, counters []Counter) IfaceStats {
	vals := make(IfaceStats, len(counters))
	for _, c := range counters {
		switch c {
		case TxPackets:
			vals[c] = st.TxPackets
		case TxBytes:
			vals[c] = st.TxBytes
		case TxDropped:
			vals[c] = st.TxDropped
		case RxPackets:
			vals[c] = st.RxPackets
		case RxBytes:
			vals[c] = st.RxBytes
		case RxDropped:
			vals[c] = st.RxDropped
		}
	}
	return vals
}
