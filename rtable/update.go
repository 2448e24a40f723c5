package rtable

import "time"

// publish is a flags word to store once a guarded update is complete.
type publish struct {
	slot  int32
	flags uint32
}

// guardedUpdate clears the valid flag of every slot in inv, waits
// UpdateDelay for lookups that may be reading them, then runs mutate with
// the flags the slots had before. The flags mutate returns are stored
// last, in order.
//
// A slot that is not in inv must not be valid while mutate changes it.
func (t *Table) guardedUpdate(inv []int32, mutate func(saved []uint32) []publish) {
	saved := make([]uint32, len(inv))
	for i, s := range inv {
		w := t.words(s)
		saved[i] = loadFlags(w)
		storeFlags(w, saved[i]&^flagValid)
	}
	if len(inv) > 0 {
		time.Sleep(t.conf.UpdateDelay)
	}
	for _, p := range mutate(saved) {
		storeFlags(t.words(p.slot), p.flags)
	}
}

const (
	lockBackoffMin = 20 * time.Microsecond
	lockBackoffMax = 5 * time.Millisecond
)

// lock acquires the table lock according to the configured policy.
func (t *Table) lock() error {
	if t.mu.TryLock() {
		return nil
	}

	start := time.Now()
	if t.conf.LockPolicy == LockAbort {
		deadline := start.Add(t.conf.LockWarnAfter)
		for backoff := lockBackoffMin; ; backoff = min(backoff*2, lockBackoffMax) {
			time.Sleep(backoff)
			if t.mu.TryLock() {
				return nil
			}
			if time.Now().After(deadline) {
				t.log.Error("giving up on rtable lock", "waited", time.Since(start))
				return ErrLockTimeout
			}
		}
	}

	warn := time.AfterFunc(t.conf.LockWarnAfter, func() {
		t.log.Warn("rtable lock contended, still waiting", "after", t.conf.LockWarnAfter)
	})
	t.mu.Lock()
	if !warn.Stop() {
		t.log.Warn("rtable lock acquired", "waited", time.Since(start))
	}
	return nil
}

// Lock acquires the table lock, which GetFirst and GetNext require and
// which must be held while using the entries they return.
func (t *Table) Lock() error { return t.lock() }

func (t *Table) Unlock() { t.mu.Unlock() }
