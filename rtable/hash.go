package rtable

import "encoding/binary"

// HashType selects modifiers on top of the base 5-tuple hash. The base
// algorithm (IPv4 or IPv6) follows the address family of the tuple.
type HashType uint8

const (
	// HashCRCSrcIP hashes the source address with CRC-32 instead of
	// adding it.
	HashCRCSrcIP HashType = 1 << iota
	// HashCRCSrcPort does the same for the source port.
	HashCRCSrcPort
)

// crcPoly is the CRC-32 polynomial, processed MSB first.
const crcPoly = 0x04C11DB7

var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ crcPoly
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// crc32BE computes a non-reflected CRC-32 with an all-ones initial value
// and no final inversion, the variant the classifier implements.
func crc32BE(b []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, v := range b {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^v]
	}
	return crc
}

// Hash returns the bucket index of t in a table of size slots. size must
// be a power of two. Software and classifier must agree on this bit for
// bit.
func Hash(t Tuple, h HashType, size uint32) uint32 {
	var sip, dip uint32
	if t.IPv6() {
		s, d := t.SrcIP.As16(), t.DstIP.As16()
		if h&HashCRCSrcIP != 0 {
			sip = crc32BE(s[:])
		} else {
			sip = fold(s)
		}
		dip = fold(d)
	} else {
		s, d := t.SrcIP.As4(), t.DstIP.As4()
		if h&HashCRCSrcIP != 0 {
			sip = crc32BE(s[:])
		} else {
			sip = binary.BigEndian.Uint32(s[:])
		}
		dip = binary.BigEndian.Uint32(d[:])
	}

	sport := uint32(t.SrcPort)
	if h&HashCRCSrcPort != 0 {
		var p [2]byte
		binary.BigEndian.PutUint16(p[:], t.SrcPort)
		sport = crc32BE(p[:])
	}

	return (sip + dip + uint32(t.Proto) + sport + uint32(t.DstPort)) & (size - 1)
}

func fold(a [16]byte) uint32 {
	return binary.BigEndian.Uint32(a[0:]) +
		binary.BigEndian.Uint32(a[4:]) +
		binary.BigEndian.Uint32(a[8:]) +
		binary.BigEndian.Uint32(a[12:])
}
