// Package bridge resolves VLAN IDs to L2 bridge domains and their
// statistics indices.
package bridge

import "sync"

// FallbackStatsIndex is the statistics index of the fallback domain, used
// when a VLAN has no domain of its own.
const FallbackStatsIndex = 0

// Domain is an L2 bridge domain.
type Domain struct {
	VLAN       uint16
	StatsIndex uint16
}

// Lookup finds bridge domains.
type Lookup interface {
	DomainByVLAN(vlan uint16) (Domain, bool)
}

// StatsIndex returns the VLAN statistics index for vlan, falling back to
// FallbackStatsIndex when l is nil or has no such domain.
func StatsIndex(l Lookup, vlan uint16) uint16 {
	if l == nil {
		return FallbackStatsIndex
	}
	if d, ok := l.DomainByVLAN(vlan); ok {
		return d.StatsIndex
	}
	return FallbackStatsIndex
}

// Static is a fixed VLAN to statistics index table.
type Static struct {
	mu      sync.RWMutex
	domains map[uint16]Domain
}

var _ Lookup = (*Static)(nil)

// NewStatic builds a table from vlan -> stats index pairs.
func NewStatic(idx map[uint16]uint16) *Static {
	s := &Static{domains: make(map[uint16]Domain, len(idx))}
	for vlan, i := range idx {
		s.domains[vlan] = Domain{VLAN: vlan, StatsIndex: i}
	}
	return s
}

func (s *Static) DomainByVLAN(vlan uint16) (Domain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[vlan]
	return d, ok
}

// Set adds or replaces a domain.
func (s *Static) Set(d Domain) {
	s.mu.Lock()
	s.domains[d.VLAN] = d
	s.mu.Unlock()
}
