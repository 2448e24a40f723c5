//go:build linux

package classifier

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
)

// control mirrors the value of the pfe_ctrl map.
type control struct {
	RtableBase    uint32
	RtableSize    uint32
	EntrySize     uint32
	LookupEnabled uint32
}

// EBPF keeps classifier state in BPF array maps so that XDP programs can
// act as the PEs: pfe_dmem holds one DMEM image per PE, pfe_ctrl holds the
// routing table registration and the lookup switch.
type EBPF struct {
	mu       sync.Mutex
	dmem     *ebpf.Map
	ctrl     *ebpf.Map
	numPEs   int
	dmemSize uint32
}

var _ Classifier = (*EBPF)(nil)

// NewEBPF creates the backing maps. Requires CAP_BPF.
func NewEBPF(numPEs int, dmemSize uint32) (*EBPF, error) {
	if numPEs <= 0 {
		return nil, ErrInvalidPE
	}
	dmem, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "pfe_dmem",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  dmemSize,
		MaxEntries: uint32(numPEs),
	})
	if err != nil {
		return nil, fmt.Errorf("creating dmem map: %w", err)
	}
	ctrl, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "pfe_ctrl",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  16,
		MaxEntries: 1,
	})
	if err != nil {
		dmem.Close()
		return nil, fmt.Errorf("creating control map: %w", err)
	}
	return &EBPF{dmem: dmem, ctrl: ctrl, numPEs: numPEs, dmemSize: dmemSize}, nil
}

func (c *EBPF) checkRange(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(c.dmemSize) {
		return fmt.Errorf("%d bytes at %#x: %w", n, addr, ErrOutOfRange)
	}
	return nil
}

func (c *EBPF) WriteDMEM(pe int, addr uint32, src []byte) error {
	if err := c.checkRange(addr, len(src)); err != nil {
		return err
	}
	first, last := pe, pe
	if pe == BroadcastPE {
		first, last = 0, c.numPEs-1
	} else if pe < 0 || pe >= c.numPEs {
		return fmt.Errorf("pe %d: %w", pe, ErrInvalidPE)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	img := make([]byte, c.dmemSize)
	for i := first; i <= last; i++ {
		key := uint32(i)
		if err := c.dmem.Lookup(key, img); err != nil {
			return fmt.Errorf("reading dmem of pe %d: %w", i, err)
		}
		copy(img[addr:], src)
		if err := c.dmem.Update(key, img, ebpf.UpdateExist); err != nil {
			return fmt.Errorf("writing dmem of pe %d: %w", i, err)
		}
	}
	return nil
}

func (c *EBPF) ReadDMEM(pe int, addr uint32, dst []byte) error {
	if pe < 0 || pe >= c.numPEs {
		return fmt.Errorf("pe %d: %w", pe, ErrInvalidPE)
	}
	if err := c.checkRange(addr, len(dst)); err != nil {
		return err
	}
	img := make([]byte, c.dmemSize)
	if err := c.dmem.Lookup(uint32(pe), img); err != nil {
		return fmt.Errorf("reading dmem of pe %d: %w", pe, err)
	}
	copy(dst, img[addr:])
	return nil
}

func (c *EBPF) updateCtrl(fn func(*control)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var v control
	if err := c.ctrl.Lookup(uint32(0), &v); err != nil {
		return fmt.Errorf("reading control: %w", err)
	}
	fn(&v)
	if err := c.ctrl.Update(uint32(0), &v, ebpf.UpdateExist); err != nil {
		return fmt.Errorf("writing control: %w", err)
	}
	return nil
}

func (c *EBPF) SetRtable(basePA, size, entrySize uint32) error {
	return c.updateCtrl(func(v *control) {
		v.RtableBase, v.RtableSize, v.EntrySize = basePA, size, entrySize
	})
}

func (c *EBPF) RtableLookupEnable() error {
	return c.updateCtrl(func(v *control) { v.LookupEnabled = 1 })
}

func (c *EBPF) RtableLookupDisable() error {
	return c.updateCtrl(func(v *control) { v.LookupEnabled = 0 })
}

func (c *EBPF) NumPEs() int { return c.numPEs }

// ControlMap exposes pfe_ctrl for programs that want to consult it.
func (c *EBPF) ControlMap() *ebpf.Map { return c.ctrl }

// Close releases both maps.
func (c *EBPF) Close() error {
	var errs []error
	if c.dmem != nil {
		if err := c.dmem.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing dmem map: %w", err))
		}
		c.dmem = nil
	}
	if c.ctrl != nil {
		if err := c.ctrl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing control map: %w", err))
		}
		c.ctrl = nil
	}
	return errors.Join(errs...)
}
