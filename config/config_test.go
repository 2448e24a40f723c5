package config

import (
	"errors"
	"maps"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/romshark/pfe-go/dma"
	"github.com/romshark/pfe-go/hif"
	"github.com/romshark/pfe-go/rtable"
)

const sample = `
rtable:
  hash-table-size: 1024
  pool-size: 512
  timeout-period: 2s
  hash-crc-sip: true
  lock-policy: abort
interfaces:
  eth0: 0
  eth1: 1
  eth2: 2
bridge:
  static:
    100: 1
    200: 2
hif:
  interfaces: [eth0, eth1]
  ring-size: 1024
flows:
  - src-ip: 10.0.0.1
    dst-ip: 10.0.0.2
    src-port: 1000
    dst-port: 53
    proto: udp
    egress: eth1
    out-src-ip: 192.0.2.1
    out-src-port: 40000
    vlan: 100
    src-mac: 02:00:00:00:00:01
    dst-mac: 02:00:00:00:00:02
    dec-ttl: true
    timeout: 30
    route-id: 7
  - src-ip: 2001:db8::1
    dst-ip: 2001:db8::2
    proto: "47"
metrics-addr: 127.0.0.1:9100
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}

	if c.Bpool.Depth != DefaultBpoolDepth || c.Bpool.BufferSize != DefaultBpoolBufferSize {
		t.Errorf("bpool defaults: %+v", c.Bpool)
	}
	if c.DMEM.HeapSize != DefaultDMEMSize-DefaultHeapBase {
		t.Errorf("dmem heap size %#x", c.DMEM.HeapSize)
	}
	if c.DMA.IOVABase != dma.DefaultIOVABase || c.DMA.IOVASize != dma.DefaultIOVASize {
		t.Errorf("dma defaults: %+v", c.DMA)
	}
	if c.HIF.RingSize != 1024 || c.HIF.BatchSize != hif.DefaultBatchSize {
		t.Errorf("hif: %+v", c.HIF)
	}
	if c.MetricsAddr != "127.0.0.1:9100" {
		t.Errorf("metrics addr %q", c.MetricsAddr)
	}

	tc, err := c.TableConfig()
	if err != nil {
		t.Fatal(err)
	}
	if tc.HashTableSize != 1024 || tc.PoolSize != 512 || tc.TimeoutPeriod != 2*time.Second {
		t.Errorf("table config: %+v", tc)
	}
	if tc.Hash != rtable.HashCRCSrcIP || tc.LockPolicy != rtable.LockAbort {
		t.Errorf("hash %v lock policy %v", tc.Hash, tc.LockPolicy)
	}

	want := map[uint8]string{0: "eth0", 1: "eth1"}
	if got := c.Ports(); !maps.Equal(got, want) {
		t.Errorf("ports %v, want %v", got, want)
	}
	if got := c.Bridge.Static[200]; got != 2 {
		t.Errorf("bridge static 200 -> %d", got)
	}
}

func TestFlowEntry(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}

	e, err := c.Flows[0].Entry(c.Interfaces)
	if err != nil {
		t.Fatal(err)
	}
	tu := e.Tuple()
	if tu.SrcIP != netip.MustParseAddr("10.0.0.1") || tu.SrcPort != 1000 ||
		tu.DstPort != 53 || tu.Proto != 17 {
		t.Errorf("tuple %s", tu)
	}
	if e.DstIf() != 1 {
		t.Errorf("dst if %d", e.DstIf())
	}
	wantActions := rtable.ActionChangeSrcAddr | rtable.ActionChangeSrcPort |
		rtable.ActionAddVLAN | rtable.ActionChangeMAC | rtable.ActionDecTTL
	if e.Actions() != wantActions {
		t.Errorf("actions %s, want %s", e.Actions(), wantActions)
	}
	if e.OutSrcIP() != netip.MustParseAddr("192.0.2.1") || e.OutVLAN() != 100 {
		t.Errorf("out src %s vlan %d", e.OutSrcIP(), e.OutVLAN())
	}
	if e.Timeout() != 30 {
		t.Errorf("timeout %d", e.Timeout())
	}
	if id, ok := e.RouteID(); !ok || id != 7 {
		t.Errorf("route id %d %t", id, ok)
	}

	e, err = c.Flows[1].Entry(c.Interfaces)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Tuple().IPv6() || e.Tuple().Proto != 47 || e.Actions() != 0 {
		t.Errorf("v6 flow: %s %s", e.Tuple(), e.Actions())
	}
	if e.Timeout() != rtable.TimeoutNever {
		t.Errorf("timeout %d, want never", e.Timeout())
	}
	if _, ok := e.RouteID(); ok {
		t.Error("unexpected route id")
	}
}

func TestParseErrors(t *testing.T) {
	for _, tt := range []struct {
		name, yaml, msg string
	}{
		{"unknown key", "rtable:\n  hash-size: 16\n", "hash-size"},
		{"lock policy", "rtable:\n  lock-policy: spin\n", "lock-policy"},
		{"hash size", "rtable:\n  hash-table-size: 100\n", "power of two"},
		{"timeout period", "rtable:\n  timeout-period: 1500ms\n", "whole number"},
		{"duplicate id", "interfaces:\n  a: 1\n  b: 1\n", "share id 1"},
		{"id range", "interfaces:\n  a: 255\n", "above"},
		{"bridge", "bridge:\n  netlink: true\n  static: {1: 1}\n", "exclusive"},
		{"hif interface", "hif:\n  interfaces: [eth9]\n", "eth9"},
		{"ring size", "hif:\n  ring-size: 1000\n", "powers of two"},
		{"pool depth", "interfaces: {eth0: 0}\nhif:\n  interfaces: [eth0]\n  ring-size: 4096\n", "pool depth"},
		{"bpool depth", "bpool:\n  depth: 1000\n", "bpool.depth"},
		{"heap base", "dmem:\n  size: 4096\n  heap-base: 8192\n", "heap-base"},
		{"align", "bpool:\n  align: 96\n", "bpool.align"},
		{"egress", "flows:\n  - {src-ip: 10.0.0.1, dst-ip: 10.0.0.2, proto: tcp, egress: eth0}\n", "unknown egress"},
		{"proto", "flows:\n  - {src-ip: 10.0.0.1, dst-ip: 10.0.0.2, proto: sctp}\n", "sctp"},
		{"family", "flows:\n  - {src-ip: 10.0.0.1, dst-ip: '::1', proto: udp}\n", "mixed"},
		{"mac", "flows:\n  - {src-ip: 10.0.0.1, dst-ip: 10.0.0.2, proto: udp, src-mac: '02:00:00:00:00:01'}\n", "dst-mac"},
		{"vlan", "flows:\n  - {src-ip: 10.0.0.1, dst-ip: 10.0.0.2, proto: udp, vlan: 4095}\n", "vlan"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Fatalf("error %q does not mention %q", err, tt.msg)
			}
		})
	}
}

func TestValidationErrorsWrapErrInvalid(t *testing.T) {
	_, err := Parse([]byte("rtable:\n  pool-size: 3\n"))
	if !errors.Is(err, ErrInvalid) || !errors.Is(err, rtable.ErrInvalidConfig) {
		t.Fatalf("got %v", err)
	}
}
