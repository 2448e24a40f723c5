package rtable

import (
	"encoding/binary"
	"net"
	"net/netip"
	"sync/atomic"
	"unsafe"
)

// RecordSize is the size of one physical table record in bytes.
const RecordSize = 128

const recordWords = RecordSize / 4

// Record layout. Multi-byte fields are big-endian. IPv4 addresses occupy
// the first four bytes of their 16-byte field.
const (
	offNext      = 0
	offFlags     = 4
	offStatus    = 8
	offOrig      = 12
	offProto     = 16
	offSport     = 20
	offDport     = 22
	offSIP       = 24
	offDIP       = 40
	offIPhyIf    = 56
	offEPhyIf    = 57
	offActions   = 60
	offNatSIP    = 64
	offNatDIP    = 80
	offNatSport  = 96
	offNatDport  = 98
	offVLAN      = 100
	offVLANStats = 102
	offPPPoE     = 104
	offSMAC      = 108
	offDMAC      = 114
	offID5T      = 120
	offCTStats   = 124

	// Bytes compared by a lookup: proto, ports and both addresses.
	keyStart = offProto
	keyEnd   = offIPhyIf
)

const (
	wordNext   = offNext / 4
	wordFlags  = offFlags / 4
	wordStatus = offStatus / 4
)

// Record flags.
const (
	flagValid uint32 = 1 << 0
	flagIPv6  uint32 = 1 << 1
)

// statusHit is set by the lookup engine every time the record matches.
const statusHit uint32 = 1 << 0

// invalidPhyIf marks the ingress interface as "don't care".
const invalidPhyIf = 0xff

// record is a byte image of one physical table record.
type record [RecordSize]byte

func (r *record) u16(off int) uint16 { return binary.BigEndian.Uint16(r[off:]) }
func (r *record) u32(off int) uint32 { return binary.BigEndian.Uint32(r[off:]) }
func (r *record) put16(off int, v uint16) { binary.BigEndian.PutUint16(r[off:], v) }
func (r *record) put32(off int, v uint32) { binary.BigEndian.PutUint32(r[off:], v) }

func (r *record) putAddr(off int, a netip.Addr) {
	if !a.IsValid() {
		clear(r[off : off+16])
		return
	}
	if a.Is4() {
		b := a.As4()
		copy(r[off:off+16], b[:])
		clear(r[off+4 : off+16])
		return
	}
	b := a.As16()
	copy(r[off:off+16], b[:])
}

func (r *record) addr(off int, v6 bool) netip.Addr {
	if v6 {
		return netip.AddrFrom16([16]byte(r[off : off+16]))
	}
	return netip.AddrFrom4([4]byte(r[off : off+4]))
}

func (r *record) putKey(t Tuple) {
	r[offProto] = t.Proto
	r.put16(offSport, t.SrcPort)
	r.put16(offDport, t.DstPort)
	r.putAddr(offSIP, t.SrcIP)
	r.putAddr(offDIP, t.DstIP)
}

func (r *record) tuple() Tuple {
	v6 := r.u32(offFlags)&flagIPv6 != 0
	return Tuple{
		SrcIP:   r.addr(offSIP, v6),
		DstIP:   r.addr(offDIP, v6),
		SrcPort: r.u16(offSport),
		DstPort: r.u16(offDport),
		Proto:   r[offProto],
	}
}

// sameKey reports whether r and o describe the same 5-tuple.
func (r *record) sameKey(o *record) bool {
	if (r.u32(offFlags)^o.u32(offFlags))&flagIPv6 != 0 {
		return false
	}
	return [keyEnd - keyStart]byte(r[keyStart:keyEnd]) == [keyEnd - keyStart]byte(o[keyStart:keyEnd])
}

// match decodes the action part of a record.
func (r *record) match() Match {
	v6 := r.u32(offFlags)&flagIPv6 != 0
	m := Match{
		Actions:    Actions(r.u32(offActions)),
		DstIf:      r[offEPhyIf],
		ID5T:       r.u32(offID5T),
		VLAN:       r.u16(offVLAN),
		VLANStats:  r.u16(offVLANStats),
		PPPoE:      r.u16(offPPPoE),
		StatsIndex: r.u16(offCTStats),
	}
	if m.Actions&ActionChangeSrcAddr != 0 {
		m.OutSrcIP = r.addr(offNatSIP, v6)
	}
	if m.Actions&ActionChangeDstAddr != 0 {
		m.OutDstIP = r.addr(offNatDIP, v6)
	}
	if m.Actions&ActionChangeSrcPort != 0 {
		m.OutSrcPort = r.u16(offNatSport)
	}
	if m.Actions&ActionChangeDstPort != 0 {
		m.OutDstPort = r.u16(offNatDport)
	}
	if m.Actions&ActionChangeMAC != 0 {
		m.SrcMAC = net.HardwareAddr(append([]byte(nil), r[offSMAC:offSMAC+6]...))
		m.DstMAC = net.HardwareAddr(append([]byte(nil), r[offDMAC:offDMAC+6]...))
	}
	return m
}

// slotWords is the live, shared view of one record. Every access goes
// through 32-bit atomics so a concurrent reader never sees a torn word.
type slotWords = [recordWords]uint32

func wordsAt(mem []byte, off uint64) *slotWords {
	return (*slotWords)(unsafe.Pointer(&mem[off]))
}

// be32 converts a big-endian field value into the native word that
// produces the same bytes in memory.
func be32(v uint32) uint32 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return binary.NativeEndian.Uint32(b[:])
}

func fromBE32(w uint32) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], w)
	return binary.BigEndian.Uint32(b[:])
}

// load copies the shared record into r.
func load(w *slotWords, r *record) {
	for i := range w {
		binary.NativeEndian.PutUint32(r[i*4:], atomic.LoadUint32(&w[i]))
	}
}

// store writes every word of r except flags into the shared record.
// Flags are published separately, last.
func store(w *slotWords, r *record) {
	for i := range w {
		if i == wordFlags {
			continue
		}
		atomic.StoreUint32(&w[i], binary.NativeEndian.Uint32(r[i*4:]))
	}
}

func zero(w *slotWords) {
	for i := range w {
		atomic.StoreUint32(&w[i], 0)
	}
}

func loadFlags(w *slotWords) uint32 { return fromBE32(atomic.LoadUint32(&w[wordFlags])) }
func storeFlags(w *slotWords, f uint32) { atomic.StoreUint32(&w[wordFlags], be32(f)) }
func loadNext(w *slotWords) uint32 { return fromBE32(atomic.LoadUint32(&w[wordNext])) }
func storeNext(w *slotWords, pa uint32) { atomic.StoreUint32(&w[wordNext], be32(pa)) }

func hit(w *slotWords) bool {
	return fromBE32(atomic.LoadUint32(&w[wordStatus]))&statusHit != 0
}

func setHit(w *slotWords) { atomic.OrUint32(&w[wordStatus], be32(statusHit)) }
func clearHit(w *slotWords) { atomic.AndUint32(&w[wordStatus], ^be32(statusHit)) }
