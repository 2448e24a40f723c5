// Package flowkey extracts the routing table 5-tuple from Ethernet frames.
package flowkey

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/pfe-go/rtable"
)

var (
	ErrNotIP     = errors.New("frame carries no IP packet")
	ErrBadHeader = errors.New("malformed IP header")
)

const (
	ethHeaderLen   = 14
	dot1qHeaderLen = 4
)

// Frame is what the forwarder needs to know about a received frame.
type Frame struct {
	Tuple rtable.Tuple

	// VLAN is the outermost tag, valid if Tagged.
	VLAN   uint16
	Tagged bool

	// L3Offset is where the IP header starts.
	L3Offset int
	IPv6     bool

	// L4Offset is where the TCP or UDP header starts, 0 for other protocols.
	L4Offset int
}

// Parser decodes frames without allocating per frame. It is not safe for
// concurrent use; give each worker its own.
type Parser struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP
	udp   layers.UDP

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 8)}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&p.eth, &p.dot1q, &p.ip4, &p.ip6, &p.tcp, &p.udp)
	p.parser.IgnoreUnsupported = true
	return p
}

// Parse decodes frame. Protocols other than TCP and UDP yield zero ports.
func (p *Parser) Parse(frame []byte) (Frame, error) {
	var f Frame
	if err := p.parser.DecodeLayers(frame, &p.decoded); err != nil {
		return f, fmt.Errorf("decoding frame: %w", err)
	}

	l3, l4 := false, 0
	f.L3Offset = ethHeaderLen
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeDot1Q:
			if !f.Tagged {
				f.VLAN, f.Tagged = p.dot1q.VLANIdentifier, true
			}
			f.L3Offset += dot1qHeaderLen
		case layers.LayerTypeIPv4:
			src, ok1 := netip.AddrFromSlice(p.ip4.SrcIP)
			dst, ok2 := netip.AddrFromSlice(p.ip4.DstIP)
			if !ok1 || !ok2 {
				return f, ErrBadHeader
			}
			f.Tuple.SrcIP, f.Tuple.DstIP = src.Unmap(), dst.Unmap()
			f.Tuple.Proto = uint8(p.ip4.Protocol)
			l3, l4 = true, f.L3Offset+len(p.ip4.Contents)
		case layers.LayerTypeIPv6:
			src, ok1 := netip.AddrFromSlice(p.ip6.SrcIP)
			dst, ok2 := netip.AddrFromSlice(p.ip6.DstIP)
			if !ok1 || !ok2 {
				return f, ErrBadHeader
			}
			f.Tuple.SrcIP, f.Tuple.DstIP = src, dst
			f.Tuple.Proto = uint8(p.ip6.NextHeader)
			f.IPv6, l3 = true, true
			l4 = f.L3Offset + len(p.ip6.Contents)
		case layers.LayerTypeTCP:
			f.Tuple.SrcPort, f.Tuple.DstPort = uint16(p.tcp.SrcPort), uint16(p.tcp.DstPort)
			f.L4Offset = l4
		case layers.LayerTypeUDP:
			f.Tuple.SrcPort, f.Tuple.DstPort = uint16(p.udp.SrcPort), uint16(p.udp.DstPort)
			f.L4Offset = l4
		}
	}
	if !l3 {
		return f, ErrNotIP
	}
	return f, nil
}
