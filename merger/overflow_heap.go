package merger

import (
	"container/heap"
	"sort"

	"github.com/dropbox/godropbox/errors"
)

// OverflowHeap is a bounded min-heap used by the streaming priority
// queue: once full, elements smaller than the current top must be
// spilled to an external run by the caller.  SortedSlice destructively
// returns the contents in sorted order.
type OverflowHeap[T any] struct {
	less    func(a, b T) bool
	items   []T
	maxSize int
	dead    bool
}

type overflowOrder[T any] struct {
	h *OverflowHeap[T]
}

var _ heap.Interface = (*overflowOrder[int])(nil)

func (o *overflowOrder[T]) Len() int { return len(o.h.items) }

func (o *overflowOrder[T]) Swap(i, j int) {
	o.h.items[i], o.h.items[j] = o.h.items[j], o.h.items[i]
}

func (o *overflowOrder[T]) Less(i, j int) bool {
	return o.h.less(o.h.items[i], o.h.items[j])
}

func (o *overflowOrder[T]) Push(x interface{}) {
	o.h.items = append(o.h.items, x.(T))
}

func (o *overflowOrder[T]) Pop() interface{} {
	i := len(o.h.items) - 1
	x := o.h.items[i]
	o.h.items = o.h.items[:i]
	return x
}

func NewOverflowHeap[T any](maxSize int, less func(a, b T) bool) *OverflowHeap[T] {
	return &OverflowHeap[T]{
		less:    less,
		items:   make([]T, 0, maxSize),
		maxSize: maxSize,
	}
}

func (h *OverflowHeap[T]) checkAlive() {
	if h.dead {
		panic(errors.New("overflow heap used after SortedSlice"))
	}
}

func (h *OverflowHeap[T]) Push(x T) {
	h.checkAlive()
	if h.Full() {
		panic(errors.Newf("push on full overflow heap (max %d)", h.maxSize))
	}
	heap.Push(&overflowOrder[T]{h}, x)
}

func (h *OverflowHeap[T]) Pop() T {
	h.checkAlive()
	return heap.Pop(&overflowOrder[T]{h}).(T)
}

func (h *OverflowHeap[T]) Top() T {
	h.checkAlive()
	return h.items[0]
}

func (h *OverflowHeap[T]) Size() int {
	return len(h.items)
}

func (h *OverflowHeap[T]) Empty() bool {
	return len(h.items) == 0
}

func (h *OverflowHeap[T]) Full() bool {
	return len(h.items) >= h.maxSize
}

// SortedSlice sorts the underlying array in place and returns it.  The
// heap is invalidated; any later use panics.
func (h *OverflowHeap[T]) SortedSlice() []T {
	h.checkAlive()
	h.dead = true
	items := h.items
	h.items = nil
	sort.Stable(&byLess[T]{items: items, less: h.less})
	return items
}
