package hif

import (
	"encoding/binary"
	"errors"

	"github.com/romshark/pfe-go/flowkey"
	"github.com/romshark/pfe-go/rtable"
)

var (
	ErrTTLExceeded   = errors.New("ttl exceeded")
	ErrFrameTooLarge = errors.New("rewritten frame exceeds tx buffer")
	ErrNATFamily     = errors.New("nat address family differs from packet")
	ErrNoL4Header    = errors.New("port rewrite on packet without tcp/udp header")
)

const (
	etherTypeDot1Q  = 0x8100
	etherTypePPPoE  = 0x8864
	pppProtoIPv4    = 0x0021
	pppProtoIPv6    = 0x0057
	pppoeVerType    = 0x11
	dot1qTagLen     = 4
	pppoeHeaderLen  = 8 // PPPoE session header plus PPP protocol
	ipProtoTCP      = 6
	ipProtoUDP      = 17
	tcpChecksumOff  = 16
	udpChecksumOff  = 6
	ipv4ChecksumOff = 10
	ipv4TTLOff      = 8
	ipv6HopLimitOff = 7
	ipv4SrcOff      = 12
	ipv4DstOff      = 16
	ipv6SrcOff      = 8
	ipv6DstOff      = 24
	vlanIDMask      = 0x0fff
	ethAddrsLen     = 12
	etherTypeLen    = 2
)

// csumReplace updates an internet checksum for a 16-bit word changing
// from old to new (RFC 1624, eqn. 3).
func csumReplace(sum, old, new uint16) uint16 {
	s := uint32(^sum) + uint32(^old) + uint32(new)
	s = (s & 0xffff) + (s >> 16)
	s = (s & 0xffff) + (s >> 16)
	return ^uint16(s)
}

// csumReplaceBytes applies csumReplace to every word of old and new,
// which must have the same even length.
func csumReplaceBytes(sum uint16, old, new []byte) uint16 {
	for i := 0; i+1 < len(old); i += 2 {
		sum = csumReplace(sum,
			binary.BigEndian.Uint16(old[i:]),
			binary.BigEndian.Uint16(new[i:]))
	}
	return sum
}

// l4Checksum returns the offset of the TCP or UDP checksum field, or -1
// if the packet carries none that must be kept up to date.
func l4Checksum(frame []byte, f *flowkey.Frame) int {
	if f.L4Offset == 0 {
		return -1
	}
	switch f.Tuple.Proto {
	case ipProtoTCP:
		return f.L4Offset + tcpChecksumOff
	case ipProtoUDP:
		off := f.L4Offset + udpChecksumOff
		if !f.IPv6 && binary.BigEndian.Uint16(frame[off:]) == 0 {
			return -1 // checksum disabled
		}
		return off
	}
	return -1
}

// patch overwrites frame[off:off+len(b)] with b and fixes up the IP
// header and L4 checksums at the given offsets. Negative offsets are
// skipped.
func patch(frame []byte, off int, b []byte, ipCsum, l4Csum int, udp bool) {
	old := frame[off : off+len(b)]
	if ipCsum >= 0 {
		sum := csumReplaceBytes(binary.BigEndian.Uint16(frame[ipCsum:]), old, b)
		binary.BigEndian.PutUint16(frame[ipCsum:], sum)
	}
	if l4Csum >= 0 {
		sum := csumReplaceBytes(binary.BigEndian.Uint16(frame[l4Csum:]), old, b)
		if udp && sum == 0 {
			sum = 0xffff
		}
		binary.BigEndian.PutUint16(frame[l4Csum:], sum)
	}
	copy(old, b)
}

// rewrite applies the in-place part of m's actions to frame: NAT, TTL
// decrement, VLAN id replacement and MAC rewrite. Header insertions are
// done by encap when the frame is copied out.
func rewrite(frame []byte, f *flowkey.Frame, m *rtable.Match) error {
	l3 := f.L3Offset
	ipCsum := -1
	if !f.IPv6 {
		ipCsum = l3 + ipv4ChecksumOff
	}
	l4Csum := l4Checksum(frame, f)
	udp := f.Tuple.Proto == ipProtoUDP

	if m.Actions&rtable.ActionDecTTL != 0 {
		if f.IPv6 {
			if frame[l3+ipv6HopLimitOff] <= 1 {
				return ErrTTLExceeded
			}
			frame[l3+ipv6HopLimitOff]--
		} else {
			ttl := frame[l3+ipv4TTLOff]
			if ttl <= 1 {
				return ErrTTLExceeded
			}
			proto := frame[l3+ipv4TTLOff+1]
			patch(frame, l3+ipv4TTLOff, []byte{ttl - 1, proto}, ipCsum, -1, false)
		}
	}

	srcOff, dstOff := l3+ipv4SrcOff, l3+ipv4DstOff
	if f.IPv6 {
		srcOff, dstOff = l3+ipv6SrcOff, l3+ipv6DstOff
	}
	if m.Actions&rtable.ActionChangeSrcAddr != 0 {
		if m.OutSrcIP.Is6() != f.IPv6 {
			return ErrNATFamily
		}
		patch(frame, srcOff, m.OutSrcIP.AsSlice(), ipCsum, l4Csum, udp)
	}
	if m.Actions&rtable.ActionChangeDstAddr != 0 {
		if m.OutDstIP.Is6() != f.IPv6 {
			return ErrNATFamily
		}
		patch(frame, dstOff, m.OutDstIP.AsSlice(), ipCsum, l4Csum, udp)
	}
	if m.Actions&(rtable.ActionChangeSrcPort|rtable.ActionChangeDstPort) != 0 && f.L4Offset == 0 {
		return ErrNoL4Header
	}
	var port [2]byte
	if m.Actions&rtable.ActionChangeSrcPort != 0 {
		binary.BigEndian.PutUint16(port[:], m.OutSrcPort)
		patch(frame, f.L4Offset, port[:], -1, l4Csum, udp)
	}
	if m.Actions&rtable.ActionChangeDstPort != 0 {
		binary.BigEndian.PutUint16(port[:], m.OutDstPort)
		patch(frame, f.L4Offset+2, port[:], -1, l4Csum, udp)
	}

	if m.Actions&rtable.ActionModVLAN != 0 && f.Tagged {
		tci := frame[ethAddrsLen+etherTypeLen:]
		v := binary.BigEndian.Uint16(tci)&^vlanIDMask | m.VLAN&vlanIDMask
		binary.BigEndian.PutUint16(tci, v)
	}
	if m.Actions&rtable.ActionChangeMAC != 0 {
		copy(frame[0:6], m.DstMAC)
		copy(frame[6:12], m.SrcMAC)
	}
	return nil
}

// encap copies src into dst, pushing an outer VLAN tag and a PPPoE session
// header when m asks for them. It returns the length written.
func encap(dst, src []byte, f *flowkey.Frame, m *rtable.Match) (int, error) {
	pushVLAN := m.Actions&rtable.ActionAddVLAN != 0 ||
		(m.Actions&rtable.ActionModVLAN != 0 && !f.Tagged)
	pppoe := m.Actions&rtable.ActionAddPPPoE != 0

	need := len(src)
	if pushVLAN {
		need += dot1qTagLen
	}
	if pppoe {
		need += pppoeHeaderLen
	}
	if need > len(dst) {
		return 0, ErrFrameTooLarge
	}
	if !pushVLAN && !pppoe {
		return copy(dst, src), nil
	}

	n := copy(dst, src[:ethAddrsLen])
	if pushVLAN {
		binary.BigEndian.PutUint16(dst[n:], etherTypeDot1Q)
		binary.BigEndian.PutUint16(dst[n+2:], m.VLAN&vlanIDMask)
		n += dot1qTagLen
	}
	if !pppoe {
		n += copy(dst[n:], src[ethAddrsLen:])
		return n, nil
	}

	// Existing tags stay in front of the session header.
	etOff := f.L3Offset - etherTypeLen
	n += copy(dst[n:], src[ethAddrsLen:etOff])
	binary.BigEndian.PutUint16(dst[n:], etherTypePPPoE)
	n += etherTypeLen
	payload := src[f.L3Offset:]
	dst[n] = pppoeVerType
	dst[n+1] = 0 // session data
	binary.BigEndian.PutUint16(dst[n+2:], m.PPPoE)
	binary.BigEndian.PutUint16(dst[n+4:], uint16(len(payload)+2))
	proto := uint16(pppProtoIPv4)
	if f.IPv6 {
		proto = pppProtoIPv6
	}
	binary.BigEndian.PutUint16(dst[n+6:], proto)
	n += pppoeHeaderLen
	n += copy(dst[n:], payload)
	return n, nil
}
