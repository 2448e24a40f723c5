package flowkey

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseUDPv4Tagged(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeDot1Q}
	tag := &layers.Dot1Q{VLANIdentifier: 100, Type: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 10000, DstPort: 9999}
	_ = udp.SetNetworkLayerForChecksum(ip)

	f, err := NewParser().Parse(serialize(t, eth, tag, ip, udp, gopacket.Payload("x")))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Tagged || f.VLAN != 100 || f.L3Offset != 18 || f.L4Offset != 38 || f.IPv6 {
		t.Fatalf("frame: %+v", f)
	}
	tp := f.Tuple
	if tp.SrcIP != netip.MustParseAddr("10.0.0.1") || tp.DstIP != netip.MustParseAddr("10.0.0.2") ||
		tp.SrcPort != 10000 || tp.DstPort != 9999 || tp.Proto != 17 {
		t.Fatalf("tuple: %s", tp)
	}
}

func TestParseTCPv6(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv6}
	ip := &layers.IPv6{
		Version: 6, HopLimit: 64,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	tcp := &layers.TCP{SrcPort: 443, DstPort: 50000, SYN: true, Window: 1024}
	_ = tcp.SetNetworkLayerForChecksum(ip)

	f, err := NewParser().Parse(serialize(t, eth, ip, tcp))
	if err != nil {
		t.Fatal(err)
	}
	if f.Tagged || f.L3Offset != 14 || f.L4Offset != 54 || !f.IPv6 {
		t.Fatalf("frame: %+v", f)
	}
	if f.Tuple.SrcIP != netip.MustParseAddr("2001:db8::1") || f.Tuple.SrcPort != 443 ||
		f.Tuple.DstPort != 50000 || f.Tuple.Proto != 6 {
		t.Fatalf("tuple: %s", f.Tuple)
	}
}

func TestParseICMPHasNoPorts(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}

	f, err := NewParser().Parse(serialize(t, eth, ip, icmp))
	if err != nil {
		t.Fatal(err)
	}
	if f.Tuple.Proto != 1 || f.Tuple.SrcPort != 0 || f.Tuple.DstPort != 0 || f.L4Offset != 0 {
		t.Fatalf("tuple: %s", f.Tuple)
	}
}

func TestParseNotIP(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: srcMAC, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: make([]byte, 6), DstProtAddress: []byte{10, 0, 0, 2},
	}
	if _, err := NewParser().Parse(serialize(t, eth, arp)); !errors.Is(err, ErrNotIP) {
		t.Fatalf("got %v, want ErrNotIP", err)
	}
}
