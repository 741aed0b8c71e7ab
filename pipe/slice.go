package pipe

// Slice terminals and function nodes: the glue between in-memory data
// and a pipeline.

type inputSliceNode[T any] struct {
	NodeBase
	dest  Dest[T]
	items []T
}

func (n *inputSliceNode[T]) Propagate() {
	n.Forward("items", int64(len(n.items)))
	n.SetSteps(int64(len(n.items)))
}

func (n *inputSliceNode[T]) Go() {
	for _, item := range n.items {
		n.dest.Push(item)
		n.Step(1)
	}
}

// InputSlice drives the items of a slice into the pipeline.
func InputSlice[T any](items []T) Begin[T] {
	return NewBegin(func(b *Builder, dest Dest[T]) Initiator {
		n := &inputSliceNode[T]{dest: dest, items: items}
		b.Init(n)
		n.AddPushDestination(dest)
		n.SetName("Slice input", PriorityInsignificant)
		return n
	})
}

type outputSliceNode[T any] struct {
	NodeBase
	out *[]T
}

func (n *outputSliceNode[T]) Push(item T) {
	n.AssertBegun()
	*n.out = append(*n.out, item)
}

// OutputSlice appends every received item to *out.
func OutputSlice[T any](out *[]T) End[T] {
	return NewEnd(func(b *Builder) Dest[T] {
		n := &outputSliceNode[T]{out: out}
		b.Init(n)
		n.SetName("Slice output", PriorityInsignificant)
		return n
	})
}

type identityNode[T any] struct {
	NodeBase
	dest Dest[T]
}

func (n *identityNode[T]) Push(item T) {
	n.dest.Push(item)
}

// Identity passes items through unchanged; useful as composition glue.
func Identity[T any]() Pipe[T, T] {
	return NewPipe(func(b *Builder, dest Dest[T]) Dest[T] {
		n := &identityNode[T]{dest: dest}
		b.Init(n)
		n.AddPushDestination(dest)
		n.SetName("Identity", PriorityInsignificant)
		return n
	})
}

type mapNode[I, O any] struct {
	NodeBase
	dest Dest[O]
	f    func(I) O
}

func (n *mapNode[I, O]) Push(item I) {
	n.dest.Push(n.f(item))
}

// Map applies f to every item.
func Map[I, O any](f func(I) O) Pipe[I, O] {
	return NewPipe(func(b *Builder, dest Dest[O]) Dest[I] {
		n := &mapNode[I, O]{dest: dest, f: f}
		b.Init(n)
		n.AddPushDestination(dest)
		n.SetName("Map", PriorityInsignificant)
		return n
	})
}

type filterNode[T any] struct {
	NodeBase
	dest Dest[T]
	keep func(T) bool
}

func (n *filterNode[T]) Push(item T) {
	if n.keep(item) {
		n.dest.Push(item)
	}
}

// Filter drops items for which keep returns false.
func Filter[T any](keep func(T) bool) Pipe[T, T] {
	return NewPipe(func(b *Builder, dest Dest[T]) Dest[T] {
		n := &filterNode[T]{dest: dest, keep: keep}
		b.Init(n)
		n.AddPushDestination(dest)
		n.SetName("Filter", PriorityInsignificant)
		return n
	})
}
