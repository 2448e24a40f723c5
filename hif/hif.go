//go:build linux

package hif

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
)

const (
	minChunkSize = 2048

	// xdp_md.rx_queue_index
	xdpMDRxQueueIndex = 16
	xdpPass           = 2
)

// Interface is a NIC with the redirect program attached. Frames arriving on
// a queue with a bound Socket go to that socket, all others continue up the
// kernel stack.
type Interface struct {
	name           string
	index          int
	mac            net.HardwareAddr
	preferZerocopy bool
	maxQueues      uint32

	link link.Link
	prog *ebpf.Program
	xsks *ebpf.Map
}

// MakeInterface attaches the redirect program to the named interface.
func MakeInterface(name string, conf InterfaceConfig) (*Interface, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	netIf, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	i := &Interface{
		name:           name,
		index:          netIf.Index,
		mac:            netIf.HardwareAddr,
		preferZerocopy: conf.PreferZerocopy,
		maxQueues:      conf.MaxQueues,
	}
	if err := i.attachXDP(); err != nil {
		_ = i.Close()
		return nil, fmt.Errorf("attaching XDP program to %s: %w", name, err)
	}
	return i, nil
}

// Info returns the interface name and Linux index.
func (i *Interface) Info() (name string, index int) { return i.name, i.index }

func (i *Interface) HardwareAddr() net.HardwareAddr { return i.mac }

// RXQueueIDs lists the interface's RX queues in ascending order, as found
// in /sys/class/net/<iface>/queues.
func (i *Interface) RXQueueIDs() ([]uint32, error) {
	dir := "/sys/class/net/" + i.name + "/queues"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", dir, err)
	}
	var ids []uint32
	for _, e := range entries {
		idStr, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", e.Name(), err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// Close detaches the program and releases the XSKMAP. Sockets opened on
// the interface must be closed first.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.prog != nil {
		if err := i.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		i.prog = nil
	}
	if i.xsks != nil {
		if err := i.xsks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XSKMAP: %w", err))
		}
		i.xsks = nil
	}
	return errors.Join(errs...)
}

// redirectProgram returns
//
//	return bpf_redirect_map(&xsks, ctx->rx_queue_index, XDP_PASS);
func redirectProgram(xsks *ebpf.Map) asm.Instructions {
	return asm.Instructions{
		asm.LoadMem(asm.R2, asm.R1, xdpMDRxQueueIndex, asm.Word),
		asm.LoadMapPtr(asm.R1, xsks.FD()),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}
}

func (i *Interface) attachXDP() error {
	xsks, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "pfe_xsks",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: i.maxQueues,
	})
	if err != nil {
		return fmt.Errorf("creating XSKMAP: %w", err)
	}
	i.xsks = xsks

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "pfe_hif_redirect",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: redirectProgram(xsks),
	})
	if err != nil {
		return fmt.Errorf("loading program: %w", err)
	}
	i.prog = prog

	opts := link.XDPOptions{Program: prog, Interface: i.index}
	if i.preferZerocopy {
		// Zerocopy needs the driver hook.
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		return err
	}
	i.link = l
	return nil
}

// registerXSK points queue at the socket fd.
func (i *Interface) registerXSK(fd int, queue uint32) error {
	if queue >= i.maxQueues {
		return fmt.Errorf("queue %d: %w", queue, ErrQueueID)
	}
	return i.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func (i *Interface) unregisterXSK(queue uint32) {
	if i.xsks != nil && queue < i.maxQueues {
		_ = i.xsks.Delete(queue)
	}
}
