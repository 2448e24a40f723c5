//go:build linux

package hif

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/pfe-go/bpool"
)

// Kernel ABI, see linux/if_xdp.h.

type sockaddrXDP struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

type ringOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

type mmapOffsets struct {
	Rx ringOffset
	Tx ringOffset
	Fr ringOffset
	Cr ringOffset
}

type umemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

type xdpDesc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

type ringEntry interface{ xdpDesc | uint64 }

// ring is a single-producer single-consumer ring shared with the kernel.
// The cached cursors spare an atomic load per entry; the stores of prod
// and cons publish the entries to the other side.
type ring[T ringEntry] struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	entries    []T
}

func makeRing[T ringEntry](region []byte, off ringOffset, size uint32) ring[T] {
	base := unsafe.Pointer(&region[0])
	r := ring[T]{
		mask:    size - 1,
		size:    size,
		prod:    (*uint32)(unsafe.Add(base, off.Producer)),
		cons:    (*uint32)(unsafe.Add(base, off.Consumer)),
		entries: unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size),
	}
	r.cachedProd = atomic.LoadUint32(r.prod)
	r.cachedCons = atomic.LoadUint32(r.cons)
	return r
}

// available returns the number of entries the consumer side may read,
// capped at max.
func (r *ring[T]) available(max uint32) uint32 {
	n := r.cachedProd - r.cachedCons
	if n == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		n = r.cachedProd - r.cachedCons
	}
	return min(n, max)
}

func (r *ring[T]) consume(n uint32) {
	r.cachedCons += n
	atomic.StoreUint32(r.cons, r.cachedCons)
}

// free returns the number of entries the producer side may write.
func (r *ring[T]) free() uint32 {
	n := r.size - (r.cachedProd - r.cachedCons)
	if n == 0 {
		r.cachedCons = atomic.LoadUint32(r.cons)
		n = r.size - (r.cachedProd - r.cachedCons)
	}
	return n
}

func (r *ring[T]) at(i uint32) *T { return &r.entries[i&r.mask] }

func (r *ring[T]) publish() { atomic.StoreUint32(r.prod, r.cachedProd) }

func setsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

func bind(fd int, sa *sockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa))
	if e != 0 {
		return e
	}
	return nil
}

// Socket is an AF_XDP socket bound to one queue. Frames for the fill and
// TX rings are taken from the pool, completed TX frames are put back.
//
// Socket is not safe for concurrent use.
type Socket struct {
	conf     SocketConfig
	zerocopy bool
	fd       int
	iface    *Interface

	pool *bpool.Pool
	umem []byte

	rx ring[xdpDesc]
	tx ring[xdpDesc]
	fq ring[uint64]
	cq ring[uint64]

	regions [][]byte
}

// Open creates an AF_XDP socket on the interface queue conf.QueueID,
// registers pool's buffer space as UMEM, hands RxSize pool buffers to the
// kernel and redirects the queue to the socket.
//
// The pool block must be page aligned, as returned by dma.Mmap. Buffers
// sitting in kernel rings when the socket closes are not returned to the
// pool; close the pool after the socket.
func (i *Interface) Open(conf SocketConfig, pool *bpool.Pool) (*Socket, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if pool.BufSize() < minChunkSize {
		return nil, fmt.Errorf("%d bytes: %w", pool.BufSize(), ErrChunkSize)
	}
	if pool.Depth() < conf.RxSize+conf.TxSize {
		return nil, ErrPoolTooSmall
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s := &Socket{
		conf:  conf,
		fd:    fd,
		iface: i,
		pool:  pool,
		umem:  pool.Block().VA[:uint64(pool.Depth())*uint64(pool.BufSize())],
	}
	if err := s.setup(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Socket) setup() error {
	reg := umemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&s.umem[0]))),
		Len:       uint64(len(s.umem)),
		ChunkSize: s.pool.BufSize(),
	}
	if err := setsockopt(s.fd, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	for _, o := range []struct {
		name string
		opt  int
		size uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, s.conf.RxSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, s.conf.CqSize},
		{"XDP_TX_RING", unix.XDP_TX_RING, s.conf.TxSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, s.conf.RxSize},
	} {
		size := o.size
		if err := setsockopt(s.fd, o.opt, unsafe.Pointer(&size), unsafe.Sizeof(size)); err != nil {
			return fmt.Errorf("setsockopt %s: %w", o.name, err)
		}
	}

	var offs mmapOffsets
	if err := getsockopt(s.fd, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	descSize := unsafe.Sizeof(xdpDesc{})
	addrSize := unsafe.Sizeof(uint64(0))
	rx, err := s.mmap("RX", offs.Rx, s.conf.RxSize, descSize, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return err
	}
	tx, err := s.mmap("TX", offs.Tx, s.conf.TxSize, descSize, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		return err
	}
	fq, err := s.mmap("FQ", offs.Fr, s.conf.RxSize, addrSize, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return err
	}
	cq, err := s.mmap("CQ", offs.Cr, s.conf.CqSize, addrSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		return err
	}
	s.rx = makeRing[xdpDesc](rx, offs.Rx, s.conf.RxSize)
	s.tx = makeRing[xdpDesc](tx, offs.Tx, s.conf.TxSize)
	s.fq = makeRing[uint64](fq, offs.Fr, s.conf.RxSize)
	s.cq = makeRing[uint64](cq, offs.Cr, s.conf.CqSize)

	for range s.fq.size {
		buf := s.pool.Get()
		if buf == nil {
			return fmt.Errorf("filling FQ: %w", ErrPoolTooSmall)
		}
		off, err := s.pool.Offset(buf)
		if err != nil {
			return err
		}
		*s.fq.at(s.fq.cachedProd) = off
		s.fq.cachedProd++
	}
	s.fq.publish()

	sa := &sockaddrXDP{
		Family:  unix.AF_XDP,
		Ifindex: uint32(s.iface.index),
		QueueID: s.conf.QueueID,
		Flags:   unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP,
	}
	s.zerocopy = s.iface.preferZerocopy
	if s.zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	}
	err = bind(s.fd, sa)
	if errors.Is(err, unix.EPROTONOSUPPORT) && s.zerocopy {
		// Queue cannot do zerocopy, fall back to copy mode.
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
		s.zerocopy = false
		err = bind(s.fd, sa)
	}
	if err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}

	if err := s.iface.registerXSK(s.fd, s.conf.QueueID); err != nil {
		return fmt.Errorf("registering XSK: %w", err)
	}
	return nil
}

func (s *Socket) mmap(name string, off ringOffset, n uint32, entSize, pgoff uintptr) ([]byte, error) {
	length := int(uintptr(off.Desc) + uintptr(n)*entSize)
	region, err := unix.Mmap(s.fd, int64(pgoff), length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s ring: %w", name, err)
	}
	s.regions = append(s.regions, region)
	return region, nil
}

// IsZerocopy reports whether the socket runs in zerocopy mode. It may be
// false despite PreferZerocopy if the queue only supports copy mode.
func (s *Socket) IsZerocopy() bool { return s.zerocopy }

func (s *Socket) QueueID() uint32 { return s.conf.QueueID }

// Close unbinds the queue and releases the socket and its ring mappings.
func (s *Socket) Close() error {
	var errs []error
	if s.fd > 0 {
		s.iface.unregisterXSK(s.conf.QueueID)
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}
	for _, r := range s.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, err)
		}
	}
	s.regions = nil
	return errors.Join(errs...)
}

// Wait blocks until the socket is readable or timeoutMS expires. Only
// system call failures are returned; EINTR is retried.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Frame is a pool buffer lent to the socket user.
type Frame struct {
	// Buf points into UMEM.
	Buf []byte

	// Addr is the UMEM address of Buf.
	Addr uint64
}

// Receive fills buf with up to len(buf) received frames and returns the
// filled part. Frames must be handed back with Release or ReleaseBatch.
func (s *Socket) Receive(buf []Frame) []Frame {
	n := s.rx.available(uint32(len(buf)))
	for k := range n {
		d := s.rx.at(s.rx.cachedCons + k)
		buf[k] = Frame{Buf: s.umem[d.Addr : d.Addr+uint64(d.Len)], Addr: d.Addr}
	}
	if n > 0 {
		s.rx.consume(n)
	}
	return buf[:n]
}

// Release hands a received frame back to the kernel for RX.
func (s *Socket) Release(f Frame) { s.ReleaseBatch([]Frame{f}) }

func (s *Socket) ReleaseBatch(frames []Frame) {
	for _, f := range frames {
		if s.fq.free() == 0 {
			// More frames than the fill ring holds: keep them in the pool.
			if b, err := s.pool.BufferAt(f.Addr); err == nil {
				s.pool.Put(b)
			}
			continue
		}
		*s.fq.at(s.fq.cachedProd) = f.Addr
		s.fq.cachedProd++
	}
	s.fq.publish()
}

// FreeFrames returns the number of buffers left in the pool.
func (s *Socket) FreeFrames() uint32 { return s.pool.Free() }

// TxFree returns the number of free TX descriptors.
func (s *Socket) TxFree() uint32 { return s.tx.free() }

// NextFrame takes a writable frame from the pool, reclaiming completed
// frames first if the pool is empty. A zero Frame means none is available.
func (s *Socket) NextFrame() Frame {
	buf := s.pool.Get()
	if buf == nil {
		s.PollCompletions(s.conf.BatchSize)
		if buf = s.pool.Get(); buf == nil {
			return Frame{}
		}
	}
	off, err := s.pool.Offset(buf)
	if err != nil {
		s.pool.Put(buf)
		return Frame{}
	}
	return Frame{Buf: buf, Addr: off}
}

// Submit queues length bytes at UMEM address addr for transmission. It
// spins while the TX ring is full. Descriptors are published by FlushTx.
func (s *Socket) Submit(addr uint64, length uint32) error {
	for s.tx.free() == 0 {
		if s.PollCompletions(s.conf.BatchSize) == 0 {
			if err := s.kick(); err != nil {
				return err
			}
		}
	}
	d := s.tx.at(s.tx.cachedProd)
	d.Addr, d.Len, d.Opts = addr, length, 0
	s.tx.cachedProd++
	return nil
}

// SubmitBatch submits addrs[i] with lens[i] and returns how many were
// queued.
func (s *Socket) SubmitBatch(addrs []uint64, lens []uint32) (int, error) {
	for k := range addrs {
		if err := s.Submit(addrs[k], lens[k]); err != nil {
			return k, err
		}
	}
	return len(addrs), nil
}

// FlushTx publishes submitted descriptors and wakes up the driver.
func (s *Socket) FlushTx() error {
	s.tx.publish()
	return s.kick()
}

// kick rings the TX doorbell: AF_XDP treats a zero-length sendto as
// "process the TX ring".
func (s *Socket) kick() error {
	err := unix.Sendto(s.fd, nil, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		return nil
	}
	return err
}

// PollCompletions returns up to maxFrames transmitted frames to the pool
// and reports how many it reclaimed.
func (s *Socket) PollCompletions(maxFrames uint32) uint32 {
	n := s.cq.available(maxFrames)
	for k := range n {
		if b, err := s.pool.BufferAt(*s.cq.at(s.cq.cachedCons + k)); err == nil {
			s.pool.Put(b)
		}
	}
	if n > 0 {
		s.cq.consume(n)
	}
	return n
}
