// Package config loads the pfed YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romshark/pfe-go/bpool"
	"github.com/romshark/pfe-go/dma"
	"github.com/romshark/pfe-go/hif"
	"github.com/romshark/pfe-go/rtable"
)

const (
	DefaultBpoolDepth      = 4096
	DefaultBpoolBufferSize = 2048
	DefaultBpoolAlign      = 2048

	DefaultNumPEs    = 4
	DefaultDMEMSize  = 64 << 10
	DefaultHeapBase  = 4 << 10
	DefaultChunkLog2 = 4

	maxPhyIf = 0xfe
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Rtable     Rtable           `yaml:"rtable"`
	Bpool      Bpool            `yaml:"bpool"`
	DMEM       DMEM             `yaml:"dmem"`
	DMA        DMA              `yaml:"dma"`
	Interfaces map[string]uint8 `yaml:"interfaces"` // name -> physical interface id
	Bridge     Bridge           `yaml:"bridge"`
	Flows      []Flow           `yaml:"flows"`
	HIF        HIF              `yaml:"hif"`

	MetricsAddr string `yaml:"metrics-addr"`
}

type Rtable struct {
	HashTableSize  uint32        `yaml:"hash-table-size"`
	PoolSize       uint32        `yaml:"pool-size"`
	TimeoutPeriod  time.Duration `yaml:"timeout-period"`
	HashCRCSrcIP   bool          `yaml:"hash-crc-sip"`
	HashCRCSrcPort bool          `yaml:"hash-crc-sport"`
	UpdateDelay    time.Duration `yaml:"update-delay"`
	LockPolicy     string        `yaml:"lock-policy"` // "wait" or "abort"
	LockWarnAfter  time.Duration `yaml:"lock-warn-after"`
	StatsSlots     uint32        `yaml:"stats-slots"` // 0 disables conntrack counters
}

// Bpool shapes the buffer pool backing each HIF socket.
type Bpool struct {
	Depth      uint32 `yaml:"depth"`
	BufferSize uint32 `yaml:"buffer-size"`
	Align      uint32 `yaml:"align"`
	Cached     bool   `yaml:"cached"`
}

// DMEM describes the classifier data memory and the heap carved from it.
type DMEM struct {
	NumPEs    int    `yaml:"num-pes"`
	Size      uint32 `yaml:"size"`
	HeapBase  uint32 `yaml:"heap-base"`
	HeapSize  uint32 `yaml:"heap-size"`
	ChunkLog2 uint   `yaml:"chunk-log2"`
}

type DMA struct {
	IOVABase uint64 `yaml:"iova-base"`
	IOVASize uint64 `yaml:"iova-size"`
}

// Bridge selects where VLAN statistics indices come from.
type Bridge struct {
	Netlink bool              `yaml:"netlink"`
	Static  map[uint16]uint16 `yaml:"static"` // vlan -> stats index
}

type HIF struct {
	Interfaces     []string `yaml:"interfaces"`
	PreferZerocopy bool     `yaml:"prefer-zerocopy"`
	RingSize       uint32   `yaml:"ring-size"`
	BatchSize      uint32   `yaml:"batch-size"`
}

// Flow is a routing entry installed at startup.
type Flow struct {
	SrcIP   string `yaml:"src-ip"`
	DstIP   string `yaml:"dst-ip"`
	SrcPort uint16 `yaml:"src-port"`
	DstPort uint16 `yaml:"dst-port"`
	Proto   string `yaml:"proto"` // tcp, udp, icmp, icmpv6 or a number
	Egress  string `yaml:"egress"`

	OutSrcIP   string `yaml:"out-src-ip"`
	OutDstIP   string `yaml:"out-dst-ip"`
	OutSrcPort uint16 `yaml:"out-src-port"`
	OutDstPort uint16 `yaml:"out-dst-port"`

	VLAN        uint16 `yaml:"vlan"`
	ReplaceVLAN bool   `yaml:"replace-vlan"`
	SrcMAC      string `yaml:"src-mac"`
	DstMAC      string `yaml:"dst-mac"`
	PPPoE       uint16 `yaml:"pppoe"`
	DecTTL      bool   `yaml:"dec-ttl"`

	Timeout uint32  `yaml:"timeout"` // seconds, 0 never expires
	RouteID *uint32 `yaml:"route-id"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML configuration. Unknown keys are
// errors.
func Parse(b []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := c.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Bpool.Depth == 0 {
		c.Bpool.Depth = DefaultBpoolDepth
	}
	if c.Bpool.BufferSize == 0 {
		c.Bpool.BufferSize = DefaultBpoolBufferSize
	}
	if c.Bpool.Align == 0 {
		c.Bpool.Align = DefaultBpoolAlign
	}
	if c.Bpool.Depth&(c.Bpool.Depth-1) != 0 {
		return fmt.Errorf("%w: bpool.depth %d is not a power of two", ErrInvalid, c.Bpool.Depth)
	}
	if c.Bpool.Align < bpool.CacheLineSize || c.Bpool.Align&(c.Bpool.Align-1) != 0 {
		return fmt.Errorf("%w: bpool.align %d", ErrInvalid, c.Bpool.Align)
	}

	if c.DMEM.NumPEs == 0 {
		c.DMEM.NumPEs = DefaultNumPEs
	}
	if c.DMEM.Size == 0 {
		c.DMEM.Size = DefaultDMEMSize
	}
	if c.DMEM.HeapBase == 0 {
		c.DMEM.HeapBase = DefaultHeapBase
	}
	if c.DMEM.ChunkLog2 == 0 {
		c.DMEM.ChunkLog2 = DefaultChunkLog2
	}
	if c.DMEM.HeapBase >= c.DMEM.Size {
		return fmt.Errorf("%w: dmem.heap-base %#x beyond dmem.size %#x", ErrInvalid, c.DMEM.HeapBase, c.DMEM.Size)
	}
	if c.DMEM.HeapSize == 0 {
		c.DMEM.HeapSize = c.DMEM.Size - c.DMEM.HeapBase
	}
	if uint64(c.DMEM.HeapBase)+uint64(c.DMEM.HeapSize) > uint64(c.DMEM.Size) {
		return fmt.Errorf("%w: dmem heap exceeds dmem.size", ErrInvalid)
	}

	dc := c.DMAConfig()
	if err := dc.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("%w: dma: %w", ErrInvalid, err)
	}
	c.DMA = DMA{IOVABase: dc.IOVABase, IOVASize: dc.IOVASize}

	if _, err := c.TableConfig(); err != nil {
		return err
	}

	seen := make(map[uint8]string, len(c.Interfaces))
	for name, id := range c.Interfaces {
		if id > maxPhyIf {
			return fmt.Errorf("%w: interface %s: id %d above %d", ErrInvalid, name, id, maxPhyIf)
		}
		if other, ok := seen[id]; ok {
			return fmt.Errorf("%w: interfaces %s and %s share id %d", ErrInvalid, name, other, id)
		}
		seen[id] = name
	}

	if c.Bridge.Netlink && len(c.Bridge.Static) > 0 {
		return fmt.Errorf("%w: bridge.netlink and bridge.static are exclusive", ErrInvalid)
	}

	for _, name := range c.HIF.Interfaces {
		if _, ok := c.Interfaces[name]; !ok {
			return fmt.Errorf("%w: hif interface %s not in interfaces", ErrInvalid, name)
		}
	}
	sc := c.SocketConfig()
	if err := sc.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("%w: hif: %w", ErrInvalid, err)
	}
	c.HIF.RingSize, c.HIF.BatchSize = sc.RxSize, sc.BatchSize
	if len(c.HIF.Interfaces) > 0 && c.Bpool.Depth < sc.RxSize+sc.TxSize {
		return fmt.Errorf("%w: bpool.depth %d: %w", ErrInvalid, c.Bpool.Depth, hif.ErrPoolTooSmall)
	}

	for i, f := range c.Flows {
		if _, err := f.Entry(c.Interfaces); err != nil {
			return fmt.Errorf("%w: flows[%d]: %w", ErrInvalid, i, err)
		}
	}
	return nil
}

// TableConfig returns the routing table part. StatsHeap and Logger are
// left for the caller.
func (c *Config) TableConfig() (rtable.Config, error) {
	r := c.Rtable
	tc := rtable.Config{
		HashTableSize: r.HashTableSize,
		PoolSize:      r.PoolSize,
		TimeoutPeriod: r.TimeoutPeriod,
		UpdateDelay:   r.UpdateDelay,
		LockWarnAfter: r.LockWarnAfter,
		StatsSlots:    r.StatsSlots,
	}
	if r.HashCRCSrcIP {
		tc.Hash |= rtable.HashCRCSrcIP
	}
	if r.HashCRCSrcPort {
		tc.Hash |= rtable.HashCRCSrcPort
	}
	switch r.LockPolicy {
	case "", "wait":
		tc.LockPolicy = rtable.LockWait
	case "abort":
		tc.LockPolicy = rtable.LockAbort
	default:
		return tc, fmt.Errorf("%w: rtable.lock-policy %q", ErrInvalid, r.LockPolicy)
	}
	check := tc
	if err := check.ValidateAndSetDefaults(); err != nil {
		return tc, fmt.Errorf("%w: rtable: %w", ErrInvalid, err)
	}
	return tc, nil
}

func (c *Config) DMAConfig() dma.Config {
	return dma.Config{IOVABase: c.DMA.IOVABase, IOVASize: c.DMA.IOVASize}
}

func (c *Config) SocketConfig() hif.SocketConfig {
	return hif.SocketConfig{
		RxSize:    c.HIF.RingSize,
		TxSize:    c.HIF.RingSize,
		CqSize:    c.HIF.RingSize,
		BatchSize: c.HIF.BatchSize,
	}
}

// Ports maps the physical interface ids of the HIF interfaces to their
// names.
func (c *Config) Ports() map[uint8]string {
	m := make(map[uint8]string, len(c.HIF.Interfaces))
	for _, name := range c.HIF.Interfaces {
		m[c.Interfaces[name]] = name
	}
	return m
}

var protoNames = map[string]uint8{
	"icmp":   1,
	"tcp":    6,
	"udp":    17,
	"icmpv6": 58,
}

func parseProto(s string) (uint8, error) {
	if p, ok := protoNames[strings.ToLower(s)]; ok {
		return p, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("protocol %q", s)
	}
	return uint8(n), nil
}

// Entry builds a detached routing entry. ifaces resolves Egress.
func (f Flow) Entry(ifaces map[string]uint8) (*rtable.Entry, error) {
	var (
		t   rtable.Tuple
		err error
	)
	if t.SrcIP, err = netip.ParseAddr(f.SrcIP); err != nil {
		return nil, fmt.Errorf("src-ip: %w", err)
	}
	if t.DstIP, err = netip.ParseAddr(f.DstIP); err != nil {
		return nil, fmt.Errorf("dst-ip: %w", err)
	}
	if t.Proto, err = parseProto(f.Proto); err != nil {
		return nil, err
	}
	t.SrcPort, t.DstPort = f.SrcPort, f.DstPort

	e := rtable.NewEntry()
	if err := e.Set5Tuple(t); err != nil {
		return nil, err
	}
	if f.Egress != "" {
		id, ok := ifaces[f.Egress]
		if !ok {
			return nil, fmt.Errorf("unknown egress interface %q", f.Egress)
		}
		if err := e.SetDstIf(id); err != nil {
			return nil, err
		}
	}
	if f.OutSrcIP != "" {
		a, err := netip.ParseAddr(f.OutSrcIP)
		if err != nil {
			return nil, fmt.Errorf("out-src-ip: %w", err)
		}
		if err := e.SetOutSrcIP(a); err != nil {
			return nil, err
		}
	}
	if f.OutDstIP != "" {
		a, err := netip.ParseAddr(f.OutDstIP)
		if err != nil {
			return nil, fmt.Errorf("out-dst-ip: %w", err)
		}
		if err := e.SetOutDstIP(a); err != nil {
			return nil, err
		}
	}
	if f.OutSrcPort != 0 {
		if err := e.SetOutSrcPort(f.OutSrcPort); err != nil {
			return nil, err
		}
	}
	if f.OutDstPort != 0 {
		if err := e.SetOutDstPort(f.OutDstPort); err != nil {
			return nil, err
		}
	}
	if f.VLAN != 0 {
		if err := e.SetOutVLAN(f.VLAN, f.ReplaceVLAN); err != nil {
			return nil, err
		}
	}
	if f.SrcMAC != "" || f.DstMAC != "" {
		src, err := net.ParseMAC(f.SrcMAC)
		if err != nil {
			return nil, fmt.Errorf("src-mac: %w", err)
		}
		dst, err := net.ParseMAC(f.DstMAC)
		if err != nil {
			return nil, fmt.Errorf("dst-mac: %w", err)
		}
		if err := e.SetOutMAC(src, dst); err != nil {
			return nil, err
		}
	}
	if f.PPPoE != 0 {
		if err := e.SetPPPoE(f.PPPoE); err != nil {
			return nil, err
		}
	}
	if f.DecTTL {
		if err := e.SetTTLDecrement(); err != nil {
			return nil, err
		}
	}
	if f.Timeout != 0 {
		e.SetTimeout(f.Timeout)
	}
	if f.RouteID != nil {
		e.SetRouteID(*f.RouteID)
	}
	return e, nil
}
