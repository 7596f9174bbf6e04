package scheduler

import (
	"container/heap"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// delayHeap is a min-heap of refs keyed by (scheduledAt, id). Each item
// tracks its own index so removal by id is O(log n).
type delayHeap []*delayItem

type delayItem struct {
	ref   domain.Ref
	index int
}

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool { return h[i].ref.Before(h[j].ref) }

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	item := x.(*delayItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

func (h delayHeap) peek() (*delayItem, bool) {
	if len(h) == 0 {
		return nil, false
	}
	return h[0], true
}

var _ heap.Interface = (*delayHeap)(nil)
