//go:build linux

package bpool

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/romshark/pfe-go/dma"
)

func newAlloc(t *testing.T) *dma.Mmap {
	t.Helper()
	m, err := dma.NewMmap(dma.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewValidation(t *testing.T) {
	m := newAlloc(t)
	for _, tt := range []struct {
		name                  string
		depth, bufSize, align uint32
		want                  error
	}{
		{"align below cache line", 8, 2048, 32, ErrInvalidAlign},
		{"align not power of two", 8, 2048, 96, ErrInvalidAlign},
		{"buffer too small", 8, 128, 64, ErrInvalidBufSize},
		{"buffer too large", 8, 8192, 64, ErrInvalidBufSize},
		{"align larger than buffer", 8, 256, 512, ErrInvalidAlign},
		{"depth not power of two", 6, 2048, 64, ErrInvalidDepth},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(m, tt.depth, tt.bufSize, tt.align, true, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRoundsBufSize(t *testing.T) {
	p, err := New(newAlloc(t), 4, 300, 64, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if p.BufSize() != 512 {
		t.Fatalf("buf size: got %d, want 512", p.BufSize())
	}
	if p.Block().PA%512 != 0 {
		t.Fatalf("block PA %#x not aligned", p.Block().PA)
	}
}

func TestExhaustionAndRecovery(t *testing.T) {
	const depth = 8
	p, err := New(newAlloc(t), depth, 2048, 64, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	bufs := make([][]byte, 0, depth)
	seen := map[uintptr]bool{}
	for i := range depth {
		b := p.Get()
		if b == nil {
			t.Fatalf("Get %d returned nil", i)
		}
		if len(b) != 2048 {
			t.Fatalf("len: got %d, want 2048", len(b))
		}
		addr := uintptr(unsafe.Pointer(&b[0]))
		if seen[addr] {
			t.Fatalf("buffer %#x handed out twice", addr)
		}
		seen[addr] = true
		bufs = append(bufs, b)
	}
	if b := p.Get(); b != nil {
		t.Fatal("Get on exhausted pool returned a buffer")
	}

	p.Put(bufs[5][100:200])
	b := p.Get()
	if b == nil || &b[0] != &bufs[5][0] {
		t.Fatal("Get after Put did not return the returned buffer")
	}
	if p.Get() != nil {
		t.Fatal("second Get succeeded after a single Put")
	}
}

func TestPAAndOffset(t *testing.T) {
	p, err := New(newAlloc(t), 4, 1024, 128, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	b0 := p.Get()
	b1 := p.Get()
	pa0, err := p.PA(b0)
	if err != nil {
		t.Fatal(err)
	}
	pa1, err := p.PA(b1)
	if err != nil {
		t.Fatal(err)
	}
	if pa1-pa0 != 1024 {
		t.Fatalf("PA stride: got %d, want 1024", pa1-pa0)
	}
	off, err := p.Offset(b1)
	if err != nil {
		t.Fatal(err)
	}
	again, err := p.BufferAt(off + 10)
	if err != nil || &again[0] != &b1[0] {
		t.Fatalf("BufferAt(%d) did not resolve to the same buffer", off+10)
	}
	if _, err := p.PA(make([]byte, 16)); !errors.Is(err, ErrForeignBuffer) {
		t.Fatalf("foreign PA: got %v", err)
	}
}

func TestOverflowIsIgnored(t *testing.T) {
	p, err := New(newAlloc(t), 2, 256, 64, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	b := p.Get()
	p.Put(b)
	p.Put(b) // one more put than gets
	if got := p.Free(); got != 2 {
		t.Fatalf("free: got %d, want 2", got)
	}
}

func TestConcurrentGetPut(t *testing.T) {
	p, err := New(newAlloc(t), 64, 256, 64, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				if b := p.Get(); b != nil {
					b[0]++
					p.Put(b)
				}
			}
		}()
	}
	wg.Wait()
	if got := p.Free(); got != 64 {
		t.Fatalf("free after churn: got %d, want 64", got)
	}
}

func TestClobberedGuardKeepsBuffer(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	p, err := New(newAlloc(t), 2, 256, 64, true, log)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	// Clobber the guard of the buffer handed out first.
	binary.NativeEndian.PutUint32(p.desc(0)[4:], 0)
	b := p.Get()
	if b == nil {
		t.Fatal("Get dropped a buffer with a clobbered guard")
	}
	if !strings.Contains(logs.String(), "op=get") {
		t.Fatalf("guard failure on get not logged: %q", logs.String())
	}
	if got := binary.NativeEndian.Uint32(p.desc(0)[4:]); got != descMagic {
		t.Fatalf("guard not restored: %#x", got)
	}

	logs.Reset()
	binary.NativeEndian.PutUint32(p.desc(0)[4:], 0)
	p.Put(b)
	if !strings.Contains(logs.String(), "op=put") {
		t.Fatalf("guard failure on put not logged: %q", logs.String())
	}
	if got := p.Free(); got != 2 {
		t.Fatalf("free: got %d, want 2", got)
	}
}

func TestForeignPutLogsToPoolLogger(t *testing.T) {
	var logs bytes.Buffer
	p, err := New(newAlloc(t), 2, 256, 64, true, slog.New(slog.NewTextHandler(&logs, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	p.Put(make([]byte, 16))
	if !strings.Contains(logs.String(), "foreign buffer") {
		t.Fatalf("foreign put not logged: %q", logs.String())
	}
	if got := p.Free(); got != 2 {
		t.Fatalf("free: got %d, want 2", got)
	}
}
