//go:build linux

package dma

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/romshark/pfe-go/blalloc"
)

const (
	DefaultIOVABase = 0x4000_0000
	DefaultIOVASize = 256 << 20
	pageLog2        = 12
	pageSize        = 1 << pageLog2
)

// Config sets the bus address window blocks are placed in.
type Config struct {
	IOVABase uint64
	IOVASize uint64
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.IOVABase == 0 {
		c.IOVABase = DefaultIOVABase
	}
	if c.IOVASize == 0 {
		c.IOVASize = DefaultIOVASize
	}
	if c.IOVABase&(pageSize-1) != 0 {
		return fmt.Errorf("iova base %#x not page aligned", c.IOVABase)
	}
	if c.IOVABase+c.IOVASize > 1<<32 {
		return fmt.Errorf("iova window %#x+%#x exceeds 32-bit bus", c.IOVABase, c.IOVASize)
	}
	return nil
}

// Mmap allocates blocks as anonymous private mappings. Bus addresses come
// from a page-granular window managed by a bitmap block allocator.
type Mmap struct {
	conf Config
	iova *blalloc.Allocator

	mu     sync.Mutex
	blocks map[*Block]struct{}
	usage  map[string]uint64
}

// NewMmap creates an allocator over the configured bus window.
func NewMmap(conf Config) (*Mmap, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	iova, err := blalloc.New(conf.IOVASize, pageLog2)
	if err != nil {
		return nil, fmt.Errorf("creating iova allocator: %w", err)
	}
	return &Mmap{
		conf:   conf,
		iova:   iova,
		blocks: make(map[*Block]struct{}),
		usage:  make(map[string]uint64),
	}, nil
}

// Alloc implements Allocator.
func (m *Mmap) Alloc(name string, size, align uint64, cached bool) (*Block, error) {
	if size == 0 {
		return nil, ErrInvalidSize
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, ErrInvalidAlign
	}

	off, err := m.iova.Alloc(size, align)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, ErrNoMemory, err)
	}
	pa := m.conf.IOVABase + off
	if pa&(align-1) != 0 {
		_ = m.iova.FreeOffs(off)
		return nil, fmt.Errorf("%s: window base %#x breaks alignment %d: %w",
			name, m.conf.IOVABase, align, ErrInvalidAlign)
	}

	length := (size + pageSize - 1) &^ (pageSize - 1)
	mapping, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		_ = m.iova.FreeOffs(off)
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	if !cached {
		// Best effort: RLIMIT_MEMLOCK is often tiny for unprivileged users.
		if err := unix.Mlock(mapping); err != nil {
			slog.Debug("dma: mlock failed, block stays pageable",
				"pool", name, "err", err)
		}
	}

	b := &Block{
		Name:    name,
		VA:      mapping[:size],
		PA:      pa,
		Cached:  cached,
		mapping: mapping,
	}

	m.mu.Lock()
	m.blocks[b] = struct{}{}
	m.usage[name] += size
	m.mu.Unlock()
	return b, nil
}

// Free implements Allocator.
func (m *Mmap) Free(b *Block) error {
	m.mu.Lock()
	if _, ok := m.blocks[b]; !ok {
		m.mu.Unlock()
		return ErrForeignBlock
	}
	delete(m.blocks, b)
	m.usage[b.Name] -= b.Size()
	if m.usage[b.Name] == 0 {
		delete(m.usage, b.Name)
	}
	m.mu.Unlock()

	var errs []error
	if err := m.iova.FreeOffs(b.PA - m.conf.IOVABase); err != nil {
		errs = append(errs, fmt.Errorf("releasing iova %#x: %w", b.PA, err))
	}
	if err := unix.Munmap(b.mapping); err != nil {
		errs = append(errs, fmt.Errorf("munmap %s: %w", b.Name, err))
	}
	b.VA, b.mapping = nil, nil
	return errors.Join(errs...)
}

// Usage returns the number of bytes allocated per pool name.
func (m *Mmap) Usage() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.usage)
}

// WindowStats reports bus address window occupancy.
func (m *Mmap) WindowStats() blalloc.Stats { return m.iova.Stats() }

// Close frees every outstanding block.
func (m *Mmap) Close() error {
	m.mu.Lock()
	blocks := make([]*Block, 0, len(m.blocks))
	for b := range m.blocks {
		blocks = append(blocks, b)
	}
	m.mu.Unlock()

	var errs []error
	for _, b := range blocks {
		if err := m.Free(b); err != nil {
			errs = append(errs, err)
		}
	}
	m.iova.Close()
	return errors.Join(errs...)
}
