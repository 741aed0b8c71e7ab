// Package merger provides the priority-queue kernel shared by external
// sort and the streaming priority queue: a k-way merge heap with a
// deterministic tie break, a bounded in-memory run sorter, and an
// overflow heap with destructive sorted extraction.
package merger

import (
	"container/heap"
	"io"
)

// Input supplies the items of one sorted run.  *stream.Stream[T]
// satisfies it directly.
type Input[T any] interface {
	ReadItem() (*T, error)
}

type entry[T any] struct {
	item T
	src  int
	in   Input[T]
}

// Heap merges up to k sorted inputs into one sorted output.  Equal
// items are returned in input order, which keeps each merge pass
// deterministic; across passes this is only stable when the comparator
// is total.
type Heap[T any] struct {
	less    func(a, b T) bool
	entries []*entry[T]
}

var _ heap.Interface = (*Heap[int])(nil)

// NewHeap primes the heap with the head item of every input.  Inputs
// that are already exhausted are skipped.
func NewHeap[T any](inputs []Input[T], less func(a, b T) bool) (*Heap[T], error) {
	h := &Heap[T]{
		less:    less,
		entries: make([]*entry[T], 0, len(inputs)),
	}
	for i, in := range inputs {
		p, err := in.ReadItem()
		if err == io.EOF {
			continue
		} else if err != nil {
			return nil, err
		}
		h.entries = append(h.entries, &entry[T]{item: *p, src: i, in: in})
	}
	heap.Init(h)
	return h, nil
}

func (h *Heap[T]) Len() int {
	return len(h.entries)
}

func (h *Heap[T]) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
}

func (h *Heap[T]) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if h.less(a.item, b.item) {
		return true
	}
	if h.less(b.item, a.item) {
		return false
	}
	return a.src < b.src
}

func (h *Heap[T]) Push(x interface{}) {
	h.entries = append(h.entries, x.(*entry[T]))
}

func (h *Heap[T]) Pop() interface{} {
	i := len(h.entries) - 1
	e := h.entries[i]
	h.entries = h.entries[:i]
	return e
}

// Empty reports whether every input has been drained.
func (h *Heap[T]) Empty() bool {
	return len(h.entries) == 0
}

// Pull returns the smallest front element and refills its slot from the
// same input.  Returns io.EOF once all inputs are drained.
func (h *Heap[T]) Pull() (T, error) {
	var zero T
	if h.Empty() {
		return zero, io.EOF
	}
	e := heap.Pop(h).(*entry[T])
	result := e.item
	p, err := e.in.ReadItem()
	if err == io.EOF {
		return result, nil
	} else if err != nil {
		return zero, err
	}
	heap.Push(h, &entry[T]{item: *p, src: e.src, in: e.in})
	return result, nil
}
