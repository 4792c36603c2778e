// Package connqueue implements the connection queue (Component F): a
// priority ticket queue that gates outbound connection attempts behind
// a global half-open cap, promoting queued tickets as slots free up and
// timing out ones that never complete. Grounded directly on
// original_source/trunk/src/connection_queue.cpp's enqueue/done/close/
// try_connect/on_timeout.
package connqueue

import (
	"container/heap"
	"math"
	"time"

	"github.com/andres-erbsen/clock"
)

// ConnectFunc is invoked once a ticket is promoted to the connecting
// state, with the ticket's own id, so the caller can pair a later Done
// call to it. Close invokes it with -1 for tickets that never reached
// connecting, signaling the attempt was abandoned.
type ConnectFunc func(ticketID int)

// TimeoutFunc is invoked when a connecting ticket's deadline elapses
// without a matching Done call, or when Close drains a ticket that was
// already connecting.
type TimeoutFunc func()

// ticketWraparound matches the original's 29-bit ticket id space.
const ticketWraparound = 1 << 29

type ticketEntry struct {
	id         int
	onConnect  ConnectFunc
	onTimeout  TimeoutFunc
	priority   int
	timeout    time.Duration
	connecting bool
	expires    time.Time
	sortKey    int64
	heapIndex  int
}

// Queue is the connection queue. It is not safe for concurrent use;
// callers drive it from a single executor, per the session's
// single-threaded concurrency model.
type Queue struct {
	clk clock.Clock

	halfOpenLimit int
	nextTicketID  int
	nextSeq       int64

	pending    ticketHeap
	connecting map[int]*ticketEntry
	byID       map[int]*ticketEntry

	deadline time.Time
	armed    bool
	closed   bool
}

// New creates a Queue. halfOpenLimit caps concurrent connecting tickets;
// 0 means unlimited. clk defaults to the real wall clock.
func New(halfOpenLimit int, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		clk:           clk,
		halfOpenLimit: halfOpenLimit,
		connecting:    make(map[int]*ticketEntry),
		byID:          make(map[int]*ticketEntry),
	}
}

// Limit returns the half-open cap (0 means unlimited).
func (q *Queue) Limit() int { return q.halfOpenLimit }

// SetLimit changes the half-open cap.
func (q *Queue) SetLimit(limit int) { q.halfOpenLimit = limit }

// FreeSlots returns how many additional tickets may become connecting
// right now.
func (q *Queue) FreeSlots() int {
	if q.halfOpenLimit == 0 {
		return math.MaxInt
	}
	n := q.halfOpenLimit - len(q.connecting)
	if n < 0 {
		return 0
	}
	return n
}

// NumConnecting reports the number of tickets currently connecting.
func (q *Queue) NumConnecting() int { return len(q.connecting) }

// Len reports the total number of tickets tracked, connecting or not.
func (q *Queue) Len() int { return len(q.byID) }

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool { return q.closed }

// Deadline returns the single shared timer's next fire time, and
// whether the timer is currently armed at all. The caller's event loop
// is responsible for actually scheduling a wakeup at this time and
// calling FireTimeouts when it elapses.
func (q *Queue) Deadline() (time.Time, bool) {
	return q.deadline, q.armed
}

// Enqueue admits a new ticket and returns its id. Priority 0 tickets
// join the tail (FIFO among themselves); priorities 1 and 2 jump to the
// head (later arrivals of either priority are tried before earlier
// ones). The caller must call TryConnect afterward to actually promote
// tickets, mirroring the io_service post the original performs outside
// its lock.
func (q *Queue) Enqueue(onConnect ConnectFunc, onTimeout TimeoutFunc, timeout time.Duration, priority int) int {
	id := q.nextTicketID
	q.nextTicketID++
	if q.nextTicketID >= ticketWraparound {
		q.nextTicketID = 0
	}

	q.nextSeq++
	e := &ticketEntry{
		id:        id,
		onConnect: onConnect,
		onTimeout: onTimeout,
		priority:  priority,
		timeout:   timeout,
		heapIndex: -1,
	}
	if priority <= 0 {
		// Larger sortKey sorts later: later priority-0 arrivals wait
		// behind earlier ones (FIFO at the tail).
		e.sortKey = q.nextSeq
	} else {
		// Negative keys always sort before the positive priority-0
		// keys above, and a later arrival gets a more negative key, so
		// it's tried first (LIFO at the head).
		e.sortKey = -q.nextSeq
	}

	q.byID[id] = e
	heap.Push(&q.pending, e)
	return id
}

// Done marks ticket as finished and removes it from the queue. Returns
// false if the ticket is unknown, which can legitimately happen if a
// timeout already removed it.
func (q *Queue) Done(ticketID int) bool {
	e, ok := q.byID[ticketID]
	if !ok {
		return false
	}
	q.removeEntry(e)
	return true
}

func (q *Queue) removeEntry(e *ticketEntry) {
	delete(q.byID, e.id)
	if e.connecting {
		delete(q.connecting, e.id)
	} else if e.heapIndex >= 0 {
		heap.Remove(&q.pending, e.heapIndex)
	}
}

// TryConnect promotes as many non-connecting tickets as the half-open
// limit allows, invoking their ConnectFunc. The first promotion in a
// call that starts from zero connecting tickets arms the shared
// deadline timer at that ticket's own expiry; later promotions in the
// same or subsequent calls don't move it until FireTimeouts recomputes
// it, matching the original's try_connect exactly.
func (q *Queue) TryConnect() {
	if q.halfOpenLimit > 0 && len(q.connecting) >= q.halfOpenLimit {
		return
	}
	if q.pending.Len() == 0 {
		if len(q.connecting) == 0 {
			q.armed = false
		}
		return
	}

	var toConnect []*ticketEntry
	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*ticketEntry)
		e.heapIndex = -1

		expire := q.clk.Now().Add(e.timeout)
		if len(q.connecting) == 0 {
			q.deadline = expire
			q.armed = true
		}

		e.connecting = true
		e.expires = expire
		q.connecting[e.id] = e
		toConnect = append(toConnect, e)

		if q.halfOpenLimit > 0 && len(q.connecting) >= q.halfOpenLimit {
			break
		}
	}

	for _, e := range toConnect {
		if e.onConnect != nil {
			e.onConnect(e.id)
		}
	}
}

// FireTimeouts is called by the caller's event loop when Deadline has
// elapsed. It collects every connecting ticket whose expiry falls
// within a 100ms slack window of now, invokes their TimeoutFunc, then
// re-arms the shared deadline at the minimum expiry remaining among
// tickets still connecting.
func (q *Queue) FireTimeouts() {
	now := q.clk.Now().Add(100 * time.Millisecond)

	var timedOut []*ticketEntry
	var nextExpire time.Time
	hasNext := false

	for id, e := range q.connecting {
		if e.expires.Before(now) {
			timedOut = append(timedOut, e)
			delete(q.connecting, id)
			continue
		}
		if !hasNext || e.expires.Before(nextExpire) {
			nextExpire = e.expires
			hasNext = true
		}
	}

	for _, e := range timedOut {
		delete(q.byID, e.id)
		if e.onTimeout != nil {
			e.onTimeout()
		}
	}

	q.armed = hasNext
	if hasNext {
		q.deadline = nextExpire
	}
}

// Close drains the queue. Priority-2 tickets survive and remain queued
// exactly as they were (connecting or not); priority 0 and 1 tickets
// fire their TimeoutFunc if they were already connecting, or their
// ConnectFunc with ticketID -1 if they were still only pending.
func (q *Queue) Close() {
	q.closed = true

	all := make([]*ticketEntry, 0, len(q.byID))
	for _, e := range q.byID {
		all = append(all, e)
	}

	q.pending = nil
	q.connecting = make(map[int]*ticketEntry)
	q.byID = make(map[int]*ticketEntry)

	for _, e := range all {
		if e.priority > 1 {
			e.heapIndex = -1
			q.byID[e.id] = e
			if e.connecting {
				q.connecting[e.id] = e
			} else {
				heap.Push(&q.pending, e)
			}
			continue
		}
		if e.connecting {
			if e.onTimeout != nil {
				e.onTimeout()
			}
		} else if e.onConnect != nil {
			e.onConnect(-1)
		}
	}

	if len(q.connecting) == 0 {
		q.armed = false
	}
}
