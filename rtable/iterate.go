package rtable

// Criterion selects which entries GetFirst and GetNext return.
type Criterion int

const (
	All Criterion = iota
	AllIPv4
	AllIPv6
	ByDstIf
	ByRouteID
	ByID5T
	By5Tuple
)

// Query is an iteration criterion plus the argument it needs.
type Query struct {
	Criterion Criterion
	DstIf     uint8
	RouteID   uint32
	ID5T      uint32
	Tuple     Tuple
}

func (q *Query) match(e *Entry) bool {
	switch q.Criterion {
	case All:
		return true
	case AllIPv4:
		return !e.tuple.IPv6()
	case AllIPv6:
		return e.tuple.IPv6()
	case ByDstIf:
		return e.dstIf == q.DstIf
	case ByRouteID:
		return e.hasRouteID && e.routeID == q.RouteID
	case ByID5T:
		return e.id5t == q.ID5T
	case By5Tuple:
		return e.tuple == q.Tuple
	}
	return false
}

type iterator struct {
	q   Query
	cur int32
}

// GetFirst starts an iteration over entries matching q and returns the
// first one, or nil. Only one iteration can be in progress per table.
// The caller must hold the table lock (see Lock) from GetFirst until it
// is done with the returned entries.
func (t *Table) GetFirst(q Query) *Entry {
	q.Tuple = q.Tuple.canonical()
	t.iter = iterator{q: q, cur: t.actHead}
	return t.GetNext()
}

// GetNext returns the next entry matching the query passed to GetFirst,
// or nil once there are no more.
func (t *Table) GetNext() *Entry {
	for t.iter.cur >= 0 {
		n := &t.nodes[t.iter.cur]
		t.iter.cur = n.actNext
		if t.iter.q.match(n.e) {
			return n.e
		}
	}
	return nil
}
