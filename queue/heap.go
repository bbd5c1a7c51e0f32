/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package queue

// requestHeap orders requests by (priority, enqueue time, sequence number).
// Implements container/heap.Interface. The ordering is total, so once two
// requests are both queued their relative dequeue order never changes.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueueTime.Equal(b.EnqueueTime) {
		return a.EnqueueTime.Before(b.EnqueueTime)
	}
	return a.seq < b.seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*Request))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return req
}

// aheadOf reports whether a is dequeued before b.
func aheadOf(a, b *Request) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueueTime.Equal(b.EnqueueTime) {
		return a.EnqueueTime.Before(b.EnqueueTime)
	}
	return a.seq < b.seq
}
