package reconcile

import "time"

// timerEntry is one pending requeue, ordered by its due time.
type timerEntry struct {
	key Key
	at  time.Time
}

// requeueHeap is a container/heap.Interface over timerEntry, giving the
// engine an O(log n) "next due key" operation instead of scanning a
// flat slice on every timer tick.
type requeueHeap []*timerEntry

func (h requeueHeap) Len() int            { return len(h) }
func (h requeueHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h requeueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *requeueHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *requeueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
