package scheduler

import "container/heap"

// slotHeap orders queued slots by tier (highest first), then enqueue order.
type slotHeap []*slot

var _ heap.Interface = (*slotHeap)(nil)

func (h slotHeap) Len() int { return len(h) }

func (h slotHeap) Less(i, j int) bool {
	if h[i].tier != h[j].tier {
		return h[i].tier > h[j].tier
	}
	// seq is assigned at enqueue under the scheduler lock, so it is the
	// enqueue order even when two slots share a timestamp.
	return h[i].seq < h[j].seq
}

func (h slotHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *slotHeap) Push(x any) {
	s := x.(*slot)
	s.index = len(*h)
	*h = append(*h, s)
}

func (h *slotHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}
