package scheduler

import (
	"container/heap"
	"time"

	"github.com/sentryd/sentryd/internal/checkable"
)

// entry is one slot in the scheduling min-heap, keyed by next_check.
type entry struct {
	c     *checkable.Checkable
	when  time.Time
	index int
}

// checkHeap is a container/heap.Interface ordering entries by when,
// the min-heap spec.md §4.2 describes ("a min-heap keyed by next_check").
type checkHeap []*entry

func (h checkHeap) Len() int { return len(h) }
func (h checkHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h checkHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *checkHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *checkHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

var _ heap.Interface = (*checkHeap)(nil)
