// Package ratelimit paces table operations issued by benchmarks.
package ratelimit

import (
	"context"
	"time"
)

// Throttle paces a single caller to an average rate of operations per
// second. A nil *Throttle never blocks.
type Throttle struct {
	interval time.Duration
	start    time.Time
	done     uint64
	check    uint64
	now      func() time.Time
}

// New returns a throttle for rate operations per second, or nil if rate
// is 0.
func New(rate uint64) *Throttle {
	if rate == 0 {
		return nil
	}
	return &Throttle{
		interval: time.Second / time.Duration(rate),
		start:    time.Now(),
		// Roughly every 10ms worth of operations, between 16 and 1024.
		check: min(max(rate/100, 16), 1024),
		now:   time.Now,
	}
}

// Done returns the number of operations accounted for so far.
func (t *Throttle) Done() uint64 {
	if t == nil {
		return 0
	}
	return t.done
}

// delay returns how long to sleep after accounting n more operations.
func (t *Throttle) delay(n uint64) time.Duration {
	before := t.done / t.check
	t.done += n
	if t.done/t.check == before {
		return 0
	}
	due := t.start.Add(time.Duration(t.done) * t.interval)
	return max(due.Sub(t.now()), 0)
}

// Wait accounts n operations and blocks until they are due or ctx is
// done.
func (t *Throttle) Wait(ctx context.Context, n uint64) error {
	if t == nil || n == 0 {
		return ctx.Err()
	}
	d := t.delay(n)
	if d == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
