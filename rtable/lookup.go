package rtable

// Lookup searches the table the way the classifier does: starting at the
// bucket of tp it follows the next addresses in physical memory, skipping
// invalid records, and marks the matching record as hit. It takes no lock
// and may run concurrently with any update.
func (t *Table) Lookup(tp Tuple) (Match, bool) {
	if !t.lookupOn.Load() {
		return Match{}, false
	}
	tp = tp.canonical()
	if tp.validate() != nil {
		return Match{}, false
	}

	var key record
	if tp.IPv6() {
		key.put32(offFlags, flagIPv6)
	}
	key.putKey(tp)

	var rec record
	slot := int32(Hash(tp, t.conf.Hash, t.htSize))
	// A chain is at most one bucket plus every pool record.
	for range t.free.Depth() + 1 {
		w := t.words(slot)
		load(w, &rec)
		if rec.u32(offFlags)&flagValid != 0 && rec.sameKey(&key) {
			setHit(w)
			return rec.match(), true
		}

		next := rec.u32(offNext)
		if next == 0 {
			break
		}
		s, ok := t.slotOf(next)
		if !ok {
			t.log.Error("rtable chain points outside the table",
				"slot", slot,
				"next", next)
			break
		}
		slot = s
	}
	return Match{}, false
}
