package rtable

import (
	"fmt"
	"math"
	"net"
	"net/netip"
	"strings"
)

// TimeoutNever exempts an entry from the timeout sweep.
const TimeoutNever = math.MaxUint32

// Tuple is the 5-tuple a flow is matched on.
type Tuple struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// IPv6 reports whether t is an IPv6 tuple.
func (t Tuple) IPv6() bool { return t.SrcIP.Is6() }

// Reverse returns the tuple of the reply direction.
func (t Tuple) Reverse() Tuple {
	return Tuple{
		SrcIP: t.DstIP, DstIP: t.SrcIP,
		SrcPort: t.DstPort, DstPort: t.SrcPort,
		Proto: t.Proto,
	}
}

// hwAddr returns a in the form the physical record stores it: IPv4-mapped
// addresses unmapped and any IPv6 zone dropped.
func hwAddr(a netip.Addr) netip.Addr { return a.Unmap().WithZone("") }

// canonical returns t with both addresses in record form, so that tuples
// compare equal exactly when their record keys do.
func (t Tuple) canonical() Tuple {
	t.SrcIP, t.DstIP = hwAddr(t.SrcIP), hwAddr(t.DstIP)
	return t
}

func (t Tuple) validate() error {
	if !t.SrcIP.IsValid() || !t.DstIP.IsValid() {
		return fmt.Errorf("%w: missing address", ErrInvalidTuple)
	}
	if t.SrcIP.Is6() != t.DstIP.Is6() {
		return fmt.Errorf("%w: mixed address families", ErrInvalidTuple)
	}
	return nil
}

func (t Tuple) String() string {
	return fmt.Sprintf("%d %s -> %s",
		t.Proto,
		netip.AddrPortFrom(t.SrcIP, t.SrcPort),
		netip.AddrPortFrom(t.DstIP, t.DstPort))
}

// Actions is the set of rewrites applied to packets matching an entry.
type Actions uint32

const (
	ActionChangeSrcAddr Actions = 1 << iota
	ActionChangeDstAddr
	ActionChangeSrcPort
	ActionChangeDstPort
	ActionAddVLAN
	ActionModVLAN
	ActionChangeMAC
	ActionAddPPPoE
	ActionDecTTL
)

var actionNames = []string{
	"snat", "dnat", "sport", "dport", "vlan-add", "vlan-mod", "mac", "pppoe", "ttl-dec",
}

func (a Actions) String() string {
	if a == 0 {
		return "none"
	}
	var names []string
	for i, n := range actionNames {
		if a&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, ",")
}

// Reason tells a Callback why it was invoked.
type Reason int

const (
	ReasonTimeout Reason = iota + 1
)

func (r Reason) String() string {
	if r == ReasonTimeout {
		return "timeout"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Callback is invoked with the table lock held. It must not call
// methods of the table that acquire the lock.
type Callback func(e *Entry, r Reason)

// Entry is a routing table entry. A new entry is detached; Table.Add
// attaches it and Table.Del or the timeout sweep detaches it again, after
// which it may be modified and re-added.
//
// Fields that end up in the physical record can only be changed while
// the entry is detached. The remaining fields may be changed while
// attached provided the caller holds the table lock.
type Entry struct {
	tuple   Tuple
	actions Actions
	dstIf   uint8

	outSrcIP, outDstIP     netip.Addr
	outSrcPort, outDstPort uint16
	vlan                   uint16
	pppoe                  uint16
	srcMAC, dstMAC         [6]byte

	timeout     uint32
	currTimeout uint32
	routeID     uint32
	hasRouteID  bool
	callback    Callback
	refPtr      any
	child       *Entry

	// Set while attached.
	table      *Table
	slot       int32
	id5t       uint32
	statsIndex uint16
}

// NewEntry returns a detached entry that never times out.
func NewEntry() *Entry {
	return &Entry{timeout: TimeoutNever, currTimeout: TimeoutNever, slot: -1}
}

// Attached reports whether e is currently part of a table.
func (e *Entry) Attached() bool { return e.table != nil }

func (e *Entry) detachedOnly() error {
	if e.table != nil {
		return ErrEntryAttached
	}
	return nil
}

// SetSrcIP sets the source address matched on.
func (e *Entry) SetSrcIP(a netip.Addr) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.tuple.SrcIP = hwAddr(a)
	return nil
}

// SetDstIP sets the destination address matched on.
func (e *Entry) SetDstIP(a netip.Addr) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.tuple.DstIP = hwAddr(a)
	return nil
}

// SetSrcPort sets the source port matched on.
func (e *Entry) SetSrcPort(p uint16) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.tuple.SrcPort = p
	return nil
}

// SetDstPort sets the destination port matched on.
func (e *Entry) SetDstPort(p uint16) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.tuple.DstPort = p
	return nil
}

// SetProto sets the IP protocol number matched on.
func (e *Entry) SetProto(p uint8) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.tuple.Proto = p
	return nil
}

// Set5Tuple sets all match fields at once.
func (e *Entry) Set5Tuple(t Tuple) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	t = t.canonical()
	if err := t.validate(); err != nil {
		return err
	}
	e.tuple = t
	return nil
}

// SetDstIf sets the egress physical interface.
func (e *Entry) SetDstIf(id uint8) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.dstIf = id
	return nil
}

// SetOutSrcIP enables source address translation to a.
func (e *Entry) SetOutSrcIP(a netip.Addr) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.outSrcIP = hwAddr(a)
	e.actions |= ActionChangeSrcAddr
	return nil
}

// SetOutDstIP enables destination address translation to a.
func (e *Entry) SetOutDstIP(a netip.Addr) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.outDstIP = hwAddr(a)
	e.actions |= ActionChangeDstAddr
	return nil
}

// SetOutSrcPort enables source port translation to p.
func (e *Entry) SetOutSrcPort(p uint16) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.outSrcPort = p
	e.actions |= ActionChangeSrcPort
	return nil
}

// SetOutDstPort enables destination port translation to p.
func (e *Entry) SetOutDstPort(p uint16) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.outDstPort = p
	e.actions |= ActionChangeDstPort
	return nil
}

// SetOutVLAN tags egress packets with vlan. With replace set an existing
// tag is rewritten instead of a new one being pushed.
func (e *Entry) SetOutVLAN(vlan uint16, replace bool) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	if vlan == 0 || vlan >= 4095 {
		return fmt.Errorf("vlan %d out of range", vlan)
	}
	e.vlan = vlan
	e.actions &^= ActionAddVLAN | ActionModVLAN
	if replace {
		e.actions |= ActionModVLAN
	} else {
		e.actions |= ActionAddVLAN
	}
	return nil
}

// SetOutMAC rewrites the Ethernet source and destination addresses.
func (e *Entry) SetOutMAC(src, dst net.HardwareAddr) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	if len(src) != 6 || len(dst) != 6 {
		return fmt.Errorf("mac addresses must be 6 bytes, got %d and %d", len(src), len(dst))
	}
	copy(e.srcMAC[:], src)
	copy(e.dstMAC[:], dst)
	e.actions |= ActionChangeMAC
	return nil
}

// SetPPPoE encapsulates egress packets in the given PPPoE session.
func (e *Entry) SetPPPoE(session uint16) error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.pppoe = session
	e.actions |= ActionAddPPPoE
	return nil
}

// SetTTLDecrement makes egress packets leave with TTL or hop limit one lower.
func (e *Entry) SetTTLDecrement() error {
	if err := e.detachedOnly(); err != nil {
		return err
	}
	e.actions |= ActionDecTTL
	return nil
}

// SetTimeout sets the idle timeout in seconds and restarts the countdown.
func (e *Entry) SetTimeout(seconds uint32) {
	e.timeout = seconds
	e.currTimeout = seconds
}

// SetRouteID tags e with a user route ID for ByRouteID queries.
func (e *Entry) SetRouteID(id uint32) {
	e.routeID = id
	e.hasRouteID = true
}

// SetCallback registers cb to run when the table removes e.
func (e *Entry) SetCallback(cb Callback) { e.callback = cb }

// SetRefPtr stores an arbitrary user value with the entry.
func (e *Entry) SetRefPtr(v any) { e.refPtr = v }

// SetChild links e to the entry of the opposite direction of the same
// connection. The link is not followed by the table.
func (e *Entry) SetChild(c *Entry) { e.child = c }

// Tuple returns the 5-tuple e matches on.
func (e *Entry) Tuple() Tuple { return e.tuple }

// Actions returns the rewrites enabled by the SetOut* setters.
func (e *Entry) Actions() Actions { return e.actions }

func (e *Entry) DstIf() uint8 { return e.dstIf }

// Timeout returns the configured idle timeout in seconds.
func (e *Entry) Timeout() uint32 { return e.timeout }

func (e *Entry) RefPtr() any { return e.refPtr }
func (e *Entry) Child() *Entry { return e.child }
func (e *Entry) OutVLAN() uint16 { return e.vlan }
func (e *Entry) PPPoE() uint16 { return e.pppoe }

// OutSrcIP and OutDstIP return the translated addresses, or the zero
// Addr if the corresponding translation is off.
func (e *Entry) OutSrcIP() netip.Addr { return e.outSrcIP }
func (e *Entry) OutDstIP() netip.Addr { return e.outDstIP }

// ID5T returns the identifier assigned to the entry by Add. It is zero
// for a detached entry.
func (e *Entry) ID5T() uint32 { return e.id5t }

// RouteID returns the user route ID, if one was set.
func (e *Entry) RouteID() (uint32, bool) { return e.routeID, e.hasRouteID }

// record builds the physical image of e, minus the fields only the table
// can fill in.
func (e *Entry) record() record {
	var r record
	var flags uint32
	if e.tuple.IPv6() {
		flags |= flagIPv6
	}
	// Flags are kept in the image so lookups on it see the address family.
	r.put32(offFlags, flags)
	r.putKey(e.tuple)
	r[offIPhyIf] = invalidPhyIf
	r[offEPhyIf] = e.dstIf
	r.put32(offActions, uint32(e.actions))
	r.putAddr(offNatSIP, e.outSrcIP)
	r.putAddr(offNatDIP, e.outDstIP)
	r.put16(offNatSport, e.outSrcPort)
	r.put16(offNatDport, e.outDstPort)
	r.put16(offVLAN, e.vlan)
	r.put16(offPPPoE, e.pppoe)
	copy(r[offSMAC:offSMAC+6], e.srcMAC[:])
	copy(r[offDMAC:offDMAC+6], e.dstMAC[:])
	return r
}

// Match is what a lookup returns for a matching record.
type Match struct {
	Actions    Actions
	DstIf      uint8
	OutSrcIP   netip.Addr
	OutDstIP   netip.Addr
	OutSrcPort uint16
	OutDstPort uint16
	VLAN       uint16
	VLANStats  uint16
	PPPoE      uint16
	SrcMAC     net.HardwareAddr
	DstMAC     net.HardwareAddr
	ID5T       uint32
	StatsIndex uint16
}
