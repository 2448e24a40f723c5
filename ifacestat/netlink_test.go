//go:build linux

package ifacestat

import (
	"testing"

	"github.com/vishvananda/netlink"
)

func TestPick(t *testing.T) {
	st := &netlink.LinkStatistics{
		RxPackets: 1, TxPackets: 2, RxBytes: 3, TxBytes: 4, RxDropped: 5, TxDropped: 6,
	}
	got := pick(st, []Counter{RxBytes, TxDropped})
	if len(got) != 2 || got[RxBytes] != 3 || got[TxDropped] != 6 {
		t.Fatalf("got %v", got)
	}
}
