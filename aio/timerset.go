package aio

import (
	"container/heap"
	"time"
)

// timerSet is the worker's ordered set of deadlines: a binary heap keyed
// by absolute deadline, ties broken by insertion order so that two timers
// started for the same instant fire in the order they were started.
// Worker-lock discipline applies; the set itself is not synchronized.
type timerSet struct {
	heap timerHeap
	seq  uint64
}

// add schedules t for deadline and reports whether t became the earliest
// entry, in which case the worker's poll timeout must be recomputed.
func (s *timerSet) add(deadline time.Time, t *Timer) bool {
	s.seq++
	t.deadline = deadline
	t.seq = s.seq
	heap.Push(&s.heap, t)
	return s.heap[0] == t
}

// remove unschedules t and reports whether t was the earliest entry.
func (s *timerSet) remove(t *Timer) bool {
	first := s.heap[0] == t
	heap.Remove(&s.heap, t.index)
	return first
}

// timeout returns the number of milliseconds until the earliest deadline,
// rounded up, or -1 when the set is empty.
func (s *timerSet) timeout(now time.Time) int {
	if len(s.heap) == 0 {
		return -1
	}
	d := s.heap[0].deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return int(ms)
}

// event pops one expired timer, or ok=false when nothing has expired yet.
func (s *timerSet) event(now time.Time) (*Timer, bool) {
	if len(s.heap) == 0 || s.heap[0].deadline.After(now) {
		return nil, false
	}
	t := heap.Pop(&s.heap).(*Timer)
	return t, true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
