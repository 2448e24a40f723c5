package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNilThrottle(t *testing.T) {
	var th *Throttle
	if New(0) != nil {
		t.Fatal("New(0) should disable throttling")
	}
	if err := th.Wait(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	if th.Done() != 0 {
		t.Fatal("nil throttle counted operations")
	}
}

func TestDelay(t *testing.T) {
	th := New(1000) // 1ms per operation, checked every 16
	now := th.start
	th.now = func() time.Time { return now }

	for i := range 15 {
		if d := th.delay(1); d != 0 {
			t.Fatalf("op %d: delay %s before check point", i, d)
		}
	}
	if d := th.delay(1); d != 16*time.Millisecond {
		t.Fatalf("delay %s, want 16ms", d)
	}

	// Behind schedule.
	now = th.start.Add(time.Second)
	if d := th.delay(16); d != 0 {
		t.Fatalf("delay %s, want 0", d)
	}
	if th.Done() != 32 {
		t.Fatalf("done %d", th.Done())
	}
}

func TestWaitHonorsContext(t *testing.T) {
	th := New(1)
	th.check = 1
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Wait(ctx, 10); err != context.Canceled {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
