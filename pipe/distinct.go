package pipe

import (
	"github.com/willf/bloom"
)

// distinctNode drops consecutive duplicates; the input must already be
// grouped, e.g. by an upstream SortPipe.
type distinctNode[T comparable] struct {
	NodeBase
	dest Dest[T]
	last T
	seen bool
}

func (n *distinctNode[T]) Push(item T) {
	if n.seen && item == n.last {
		return
	}
	n.last = item
	n.seen = true
	n.dest.Push(item)
}

// Distinct drops duplicate items from grouped input.
func Distinct[T comparable]() Pipe[T, T] {
	return NewPipe(func(b *Builder, dest Dest[T]) Dest[T] {
		n := &distinctNode[T]{dest: dest}
		b.Init(n)
		n.AddPushDestination(dest)
		n.SetName("Distinct", PriorityInsignificant)
		return n
	})
}

// Bloom filter parameters for the approximate variant.
const (
	bloomBits   = 1 << 24
	bloomHashes = 3
)

type distinctApproxNode[T any] struct {
	NodeBase
	dest   Dest[T]
	key    func(T) []byte
	filter *bloom.BloomFilter
}

func (n *distinctApproxNode[T]) Begin() {
	n.filter = bloom.New(bloomBits, bloomHashes)
}

func (n *distinctApproxNode[T]) Push(item T) {
	if n.filter.TestAndAdd(n.key(item)) {
		return
	}
	n.dest.Push(item)
}

func (n *distinctApproxNode[T]) End() {
	n.filter = nil
}

// DistinctApprox drops items whose key was probably seen before,
// without requiring grouped input.  False positives drop distinct
// items at the usual bloom filter rate; use Distinct over sorted input
// when exactness matters.
func DistinctApprox[T any](key func(T) []byte) Pipe[T, T] {
	return NewPipe(func(b *Builder, dest Dest[T]) Dest[T] {
		n := &distinctApproxNode[T]{dest: dest, key: key}
		b.Init(n)
		n.AddPushDestination(dest)
		n.SetName("Approximate distinct", PriorityInsignificant)
		n.SetMinimumMemory(bloomBits / 8)
		return n
	})
}
