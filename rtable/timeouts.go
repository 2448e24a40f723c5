package rtable

import (
	"context"
	"errors"
	"time"
)

// DoTimeouts runs one timeout sweep. Entries that were hit since the last
// sweep get their countdown restarted; the others lose one timeout
// period. Entries reaching zero have their callback invoked and are
// removed within the same lock acquisition.
func (t *Table) DoTimeouts() error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	var expired []*Entry
	for s := t.actHead; s >= 0; s = t.nodes[s].actNext {
		e := t.nodes[s].e
		if e.timeout == TimeoutNever {
			continue
		}
		if w := t.words(s); hit(w) {
			e.currTimeout = e.timeout
			clearHit(w)
			continue
		}
		e.currTimeout -= min(e.currTimeout, t.period)
		if e.currTimeout == 0 {
			if e.callback != nil {
				e.callback(e, ReasonTimeout)
			}
			expired = append(expired, e)
		}
	}

	for _, e := range expired {
		t.del(e)
	}
	if len(expired) > 0 {
		t.timeouts.Add(uint64(len(expired)))
		t.log.Debug("rtable timeout sweep",
			"expired", len(expired),
			"remaining", t.count)
	}
	return nil
}

// Run sweeps timeouts every TimeoutPeriod until ctx is cancelled or the
// table is closed.
func (t *Table) Run(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.workers.Add(1)
	t.mu.Unlock()
	defer t.workers.Done()

	t.log.Info("rtable timeout worker started", "period", t.conf.TimeoutPeriod)
	ticker := time.NewTicker(t.conf.TimeoutPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("rtable timeout worker stopped")
			return
		case <-t.closing:
			return
		case <-ticker.C:
			if err := t.DoTimeouts(); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				t.log.Error("rtable timeout sweep failed", "err", err)
			}
		}
	}
}
