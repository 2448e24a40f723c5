package hif

import (
	"bytes"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/romshark/pfe-go/classifier"
	"github.com/romshark/pfe-go/dma"
	"github.com/romshark/pfe-go/flowkey"
	"github.com/romshark/pfe-go/rtable"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTable(t *testing.T) *rtable.Table {
	t.Helper()
	ht := &dma.Block{Name: "htable", VA: make([]byte, 16*rtable.RecordSize), PA: 0x1000_0000}
	pool := &dma.Block{Name: "pool", VA: make([]byte, 16*rtable.RecordSize), PA: 0x2000_0000}
	tbl, err := rtable.New(ht, pool, classifier.NewMemory(1, 4096), nil, rtable.Config{
		HashTableSize: 16,
		PoolSize:      16,
		Logger:        quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func addRoute(t *testing.T, tbl *rtable.Table, sport uint16, dstIf uint8) {
	t.Helper()
	e := rtable.NewEntry()
	for _, err := range []error{
		e.Set5Tuple(rtable.Tuple{
			SrcIP:   netip.MustParseAddr("10.0.0.1"),
			DstIP:   netip.MustParseAddr("10.0.0.2"),
			SrcPort: sport, DstPort: 53, Proto: 17,
		}),
		e.SetDstIf(dstIf),
		e.SetOutMAC(macC, macD),
		e.SetTTLDecrement(),
	} {
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := tbl.Add(e); err != nil {
		t.Fatal(err)
	}
}

func TestClassify(t *testing.T) {
	tbl := newTable(t)
	addRoute(t, tbl, 1000, 3)
	addRoute(t, tbl, 2000, 9)
	fw := NewForwarder(tbl, map[uint8]string{3: "eth1"}, quiet)
	p := flowkey.NewParser()

	b := udp4Frame(t, macA, macB, "10.0.0.1", "10.0.0.2", 1000, 53, 64)
	v, ok := fw.classify(p, b, 0)
	if !ok || v.egress != "eth1" {
		t.Fatalf("verdict %+v %t", v, ok)
	}
	if !bytes.Equal(b[0:6], macD) || !bytes.Equal(b[6:12], macC) {
		t.Fatalf("macs not rewritten: %x", b[:12])
	}
	if b[14+8] != 63 {
		t.Fatalf("ttl %d, want 63", b[14+8])
	}

	drops := [][]byte{
		udp4Frame(t, macA, macB, "10.0.0.1", "10.0.0.2", 1001, 53, 64), // miss
		udp4Frame(t, macA, macB, "10.0.0.1", "10.0.0.2", 2000, 53, 64), // egress 9 unknown
		udp4Frame(t, macA, macB, "10.0.0.1", "10.0.0.2", 1000, 53, 1),  // ttl
		serialize(t,
			&layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeARP},
			&layers.ARP{
				AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
				HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
				SourceHwAddress: macA, SourceProtAddress: []byte{10, 0, 0, 1},
				DstHwAddress: make([]byte, 6), DstProtAddress: []byte{10, 0, 0, 2},
			}),
	}
	for i, d := range drops {
		if _, ok := fw.classify(p, d, 0); ok {
			t.Errorf("frame %d not dropped", i)
		}
	}

	want := ForwarderStats{Received: 5, Misses: 1, NoPort: 1, TTLExceeded: 1, NotIP: 1}
	if got := fw.Stats(); got != want {
		t.Fatalf("stats %s, want %s", got, want)
	}
}
