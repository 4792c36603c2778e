package connqueue

// ticketHeap orders pending tickets by sortKey, the single field into
// which Enqueue folds both priority and arrival order (see Enqueue's
// comment). container/heap gives O(log n) insert and arbitrary-index
// removal, the latter needed by Done to drop a not-yet-connecting
// ticket without a linear scan.
type ticketHeap []*ticketEntry

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool { return h[i].sortKey < h[j].sortKey }

func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *ticketHeap) Push(x interface{}) {
	e := x.(*ticketEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *ticketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}
