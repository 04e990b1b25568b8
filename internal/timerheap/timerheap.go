// Package timerheap implements a min-heap of deadlines keyed by a caller
// supplied slot index, the same shape as gaio's internal timedHeap (a
// container/heap over *aiocb ordered by deadline, with each entry carrying
// its own heap index so it can be removed in O(log n) without a scan).
package timerheap

import "container/heap"

// entry is one scheduled deadline. idx is maintained by container/heap and
// lets Cancel locate the entry without a linear scan.
type entry struct {
	deadline int64 // UnixNano
	slot     int32
	idx      int
}

// Handle identifies an entry previously returned by Add, stable across
// heap reordering.
type Handle struct {
	e *entry
}

// Store is a min-heap of (deadline, slot) pairs.
//
// Not safe for concurrent use; callers (the Reactor) own one Store per
// goroutine.
type Store struct {
	h timedHeap
}

func New() *Store {
	return &Store{}
}

// Add schedules slot to fire at deadlineNanos, returning a Handle that can
// be passed to Cancel. O(log n).
func (s *Store) Add(slot int32, deadlineNanos int64) Handle {
	e := &entry{deadline: deadlineNanos, slot: slot}
	heap.Push(&s.h, e)
	return Handle{e: e}
}

// Cancel removes a previously added entry. Safe to call with a Handle whose
// entry has already fired and been popped (no-op in that case).
func (s *Store) Cancel(h Handle) {
	if h.e == nil || h.e.idx < 0 || h.e.idx >= len(s.h) || s.h[h.e.idx] != h.e {
		return
	}
	heap.Remove(&s.h, h.e.idx)
	h.e.idx = -1
}

// Len reports the number of pending entries.
func (s *Store) Len() int { return len(s.h) }

// NextDeadline reports the earliest pending deadline and whether one
// exists, for use as the Reactor's poller wait timeout.
func (s *Store) NextDeadline() (deadlineNanos int64, ok bool) {
	if len(s.h) == 0 {
		return 0, false
	}
	return s.h[0].deadline, true
}

// PopExpired removes and returns every slot whose deadline is <= nowNanos,
// in deadline order.
func (s *Store) PopExpired(nowNanos int64) []int32 {
	var expired []int32
	for len(s.h) > 0 && s.h[0].deadline <= nowNanos {
		e := heap.Pop(&s.h).(*entry)
		e.idx = -1
		expired = append(expired, e.slot)
	}
	return expired
}

// timedHeap implements container/heap.Interface, mirroring gaio's timedHeap.
type timedHeap []*entry

func (h timedHeap) Len() int            { return len(h) }
func (h timedHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].slot < h[j].slot
}
func (h timedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *timedHeap) Push(x interface{}) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *timedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}
