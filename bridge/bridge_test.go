package bridge

import "testing"

func TestStatsIndex(t *testing.T) {
	s := NewStatic(map[uint16]uint16{100: 3, 200: 7})
	for _, tt := range []struct {
		l    Lookup
		vlan uint16
		want uint16
	}{
		{s, 100, 3},
		{s, 200, 7},
		{s, 300, FallbackStatsIndex},
		{nil, 100, FallbackStatsIndex},
	} {
		if got := StatsIndex(tt.l, tt.vlan); got != tt.want {
			t.Errorf("StatsIndex(%d): got %d, want %d", tt.vlan, got, tt.want)
		}
	}

	s.Set(Domain{VLAN: 300, StatsIndex: 9})
	if got := StatsIndex(s, 300); got != 9 {
		t.Errorf("after Set: got %d, want 9", got)
	}
}
