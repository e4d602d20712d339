package queue

import (
	"container/heap"
	"time"
)

// readyHeap orders records that may be delivered now
type readyHeap []*Record

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	rec := x.(*Record)
	rec.index = len(*h)
	*h = append(*h, rec)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*h = old[:n-1]
	return rec
}

// delayedHeap orders records waiting out a backoff by their gate time
type delayedHeap []*Record

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].NextAttemptAt.Equal(h[j].NextAttemptAt) {
		return h[i].NextAttemptAt.Before(h[j].NextAttemptAt)
	}
	return h[i].Seq < h[j].Seq
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	rec := x.(*Record)
	rec.index = len(*h)
	*h = append(*h, rec)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*h = old[:n-1]
	return rec
}

// lane holds the pending records of one agent
type lane struct {
	ready   readyHeap
	delayed delayedHeap
}

func (l *lane) push(rec *Record, now time.Time) {
	if rec.NextAttemptAt.After(now) {
		heap.Push(&l.delayed, rec)
		return
	}
	heap.Push(&l.ready, rec)
}

// promote moves every delayed record whose gate has passed into ready
func (l *lane) promote(now time.Time) {
	for l.delayed.Len() > 0 && !l.delayed[0].NextAttemptAt.After(now) {
		heap.Push(&l.ready, heap.Pop(&l.delayed))
	}
}

func (l *lane) peek() *Record {
	if l.ready.Len() == 0 {
		return nil
	}
	return l.ready[0]
}

// gate returns how long until the earliest delayed record becomes ready
func (l *lane) gate(now time.Time) (time.Duration, bool) {
	if l.delayed.Len() == 0 {
		return 0, false
	}
	return l.delayed[0].NextAttemptAt.Sub(now), true
}

func (l *lane) size() (ready, delayed int) {
	return l.ready.Len(), l.delayed.Len()
}

func (l *lane) pop() *Record {
	return heap.Pop(&l.ready).(*Record)
}
