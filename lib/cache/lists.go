package cache

// listNode is one node of an intrusive doubly-linked list of *PieceEntry,
// ordered MRU-first. An intrusive list (rather than container/list, which
// only stores interface{}) lets PieceEntry keep a direct back-pointer to
// its node for O(1) removal without a second map lookup — the same shape
// as an LRU cache's classic hashmap+list pairing.
type listNode struct {
	entry      *PieceEntry
	prev, next *listNode
}

// arcList is one of T1/T2/B1/B2/WRITE/VOLATILE: an MRU-ordered list plus
// a running block-count used to keep the six gauges in lockstep with
// insertions and removals, per spec.md §3's invariant.
type arcList struct {
	head, tail *listNode
	entries    int
	blocks     int
}

func newARCList() *arcList {
	return &arcList{}
}

// pushFront inserts pe at the MRU end of l and tracks pe as its owner.
func (l *arcList) pushFront(pe *PieceEntry, blockWeight int) {
	n := &listNode{entry: pe}
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	pe.elem = n
	l.entries++
	l.blocks += blockWeight
}

// remove detaches pe's node from l. No-op if pe isn't currently in l.
func (l *arcList) remove(pe *PieceEntry, blockWeight int) {
	n := pe.elem
	if n == nil {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else if l.head == n {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else if l.tail == n {
		l.tail = n.prev
	}
	pe.elem = nil
	l.entries--
	l.blocks -= blockWeight
}

// touch moves pe to the MRU end of l without changing its block weight.
func (l *arcList) touch(pe *PieceEntry) {
	w := pe.numBlocks
	if pe.isGhost() {
		w = 0
	}
	l.remove(pe, w)
	l.pushFront(pe, 0)
	l.blocks += w
}

// lruTail returns the least-recently-used entry in l, or nil if empty.
// It does no tie-breaking of its own; lowestIndexAtTail applies the
// lower-piece_index rule on top of it.
func (l *arcList) lruTail() *PieceEntry {
	if l.tail == nil {
		return nil
	}
	return l.tail.entry
}

// moveEntry relocates pe from src (if non-nil) into dst, adjusting both
// lists' block counts: srcWeight is removed from src and dstWeight added
// to dst (callers pass 0 for a ghost list).
func moveEntry(pe *PieceEntry, src, dst *arcList, srcWeight, dstWeight int) {
	if src != nil {
		src.remove(pe, srcWeight)
	}
	dst.pushFront(pe, dstWeight)
}
