//go:build linux

package bridge

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
)

// Netlink derives bridge domains from the kernel bridge VLAN table.
// Every VLAN configured on any bridge port is a domain; statistics indices
// are handed out in ascending VLAN order starting at 1.
type Netlink struct {
	mu      sync.RWMutex
	domains map[uint16]Domain
}

var _ Lookup = (*Netlink)(nil)

// NewNetlink reads the current bridge VLAN table.
func NewNetlink() (*Netlink, error) {
	n := &Netlink{}
	if err := n.Refresh(); err != nil {
		return nil, err
	}
	return n, nil
}

// Refresh re-reads the bridge VLAN table.
func (n *Netlink) Refresh() error {
	vlans, err := netlink.BridgeVlanList()
	if err != nil {
		return fmt.Errorf("listing bridge vlans: %w", err)
	}
	domains := buildDomains(vlans)

	n.mu.Lock()
	n.domains = domains
	n.mu.Unlock()

	slog.Debug("bridge domains refreshed", "domains", len(domains))
	return nil
}

func buildDomains(vlans map[int32][]*nl.BridgeVlanInfo) map[uint16]Domain {
	seen := map[uint16]bool{}
	var ids []uint16
	for _, infos := range vlans {
		for _, v := range infos {
			if v == nil || seen[v.Vid] {
				continue
			}
			seen[v.Vid] = true
			ids = append(ids, v.Vid)
		}
	}
	slices.Sort(ids)

	domains := make(map[uint16]Domain, len(ids))
	for i, vid := range ids {
		domains[vid] = Domain{VLAN: vid, StatsIndex: uint16(i + 1)}
	}
	return domains
}

func (n *Netlink) DomainByVLAN(vlan uint16) (Domain, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.domains[vlan]
	return d, ok
}
