package fifo

import (
	"errors"
	"sync"
	"testing"
)

func TestNewDepth(t *testing.T) {
	for _, tt := range []struct {
		depth uint32
		ok    bool
	}{
		{0, false},
		{1, true},
		{3, false},
		{64, true},
		{1000, false},
		{1 << 30, true},
		{1 << 31, false},
	} {
		// Zero-size elements keep the largest depth from allocating.
		_, err := New[struct{}](tt.depth)
		if got := err == nil; got != tt.ok {
			t.Errorf("New(%d): err=%v, want ok=%t", tt.depth, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidDepth) {
			t.Errorf("New(%d): unexpected error %v", tt.depth, err)
		}
	}
}

func TestPutGetOrder(t *testing.T) {
	r, err := New[int](4)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get(); ok {
		t.Fatal("Get on empty ring succeeded")
	}
	for i := range 4 {
		if err := r.Put(i); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := r.Put(4); !errors.Is(err, ErrOverflow) {
		t.Fatalf("Put on full ring: got %v, want ErrOverflow", err)
	}
	if !r.Full() || r.Len() != 4 {
		t.Fatalf("Len: got %d, want 4", r.Len())
	}
	for i := range 4 {
		v, ok := r.Get()
		if !ok || v != i {
			t.Fatalf("Get: got (%d, %t), want (%d, true)", v, ok, i)
		}
	}
	if !r.Empty() {
		t.Fatal("ring not empty after draining")
	}
}

func TestCapacityInvariantAcrossWrap(t *testing.T) {
	r, err := New[uint32](8)
	if err != nil {
		t.Fatal(err)
	}
	// Start close to the 32-bit wrap to cover cursor overflow.
	r.read.Store(^uint32(0) - 5)
	r.write.Store(^uint32(0) - 5)

	var next, want uint32
	for step := range 200 {
		if step%3 != 2 {
			fill := r.Len()
			err := r.Put(next)
			if (err == nil) != (fill < r.Depth()) {
				t.Fatalf("step %d: Put err=%v with fill %d", step, err, fill)
			}
			if err == nil {
				next++
			}
		} else {
			fill := r.Len()
			v, ok := r.Get()
			if ok != (fill > 0) {
				t.Fatalf("step %d: Get ok=%t with fill %d", step, ok, fill)
			}
			if ok {
				if v != want {
					t.Fatalf("step %d: got %d, want %d", step, v, want)
				}
				want++
			}
		}
		if r.Len() > r.Depth() {
			t.Fatalf("step %d: fill %d exceeds depth", step, r.Len())
		}
	}
}

func TestClearReportsFull(t *testing.T) {
	r, err := New[string](4)
	if err != nil {
		t.Fatal(err)
	}
	_ = r.Put("a")
	r.Clear()
	if !r.Full() {
		t.Fatalf("Len after Clear: got %d, want %d", r.Len(), r.Depth())
	}
	if err := r.Put("b"); !errors.Is(err, ErrOverflow) {
		t.Fatalf("Put after Clear: got %v, want ErrOverflow", err)
	}
}

func TestPeek(t *testing.T) {
	r, err := New[int](4)
	if err != nil {
		t.Fatal(err)
	}
	_ = r.Put(10)
	_ = r.Put(11)
	if v := r.Peek(1); v != 11 {
		t.Fatalf("Peek(1): got %d, want 11", v)
	}
	// Indices wrap at depth like the cursors do.
	if v := r.Peek(5); v != 11 {
		t.Fatalf("Peek(5): got %d, want 11", v)
	}
	if v := r.Peek(r.write.Load() - 1 + 4*1000); v != 11 {
		t.Fatalf("Peek(write-1): got %d, want 11", v)
	}
}

func TestSPSC(t *testing.T) {
	const n = 100000
	r, err := New[int](64)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if r.Put(i) == nil {
				i++
			}
		}
	}()

	for want := 0; want < n; {
		v, ok := r.Get()
		if !ok {
			continue
		}
		if v != want {
			t.Fatalf("got %d, want %d", v, want)
		}
		want++
	}
	wg.Wait()
}
