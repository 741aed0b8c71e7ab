package pipe

// Pull protocol: a Source produces items on demand and a pull driver,
// acting as the phase initiator, drains it into the push graph.

type pullSliceNode[T any] struct {
	NodeBase
	items []T
	pos   int
}

func (n *pullSliceNode[T]) Propagate() {
	n.Forward("items", int64(len(n.items)))
}

func (n *pullSliceNode[T]) CanPull() bool {
	return n.pos < len(n.items)
}

func (n *pullSliceNode[T]) Pull() T {
	n.AssertBegun()
	v := n.items[n.pos]
	n.pos++
	return v
}

// PullSlice is a pull source over a slice.
func PullSlice[T any](items []T) func(b *Builder) Source[T] {
	return func(b *Builder) Source[T] {
		n := &pullSliceNode[T]{items: items}
		b.Init(n)
		n.SetName("Slice pull input", PriorityInsignificant)
		return n
	}
}

type pullDriverNode[T any] struct {
	NodeBase
	src  Source[T]
	dest Dest[T]
}

func (n *pullDriverNode[T]) Propagate() {
	if n.CanFetch("items") {
		n.SetSteps(Fetch[int64](n, "items"))
	}
}

func (n *pullDriverNode[T]) Go() {
	for n.src.CanPull() {
		n.dest.Push(n.src.Pull())
		n.Step(1)
	}
}

// DrivePull turns a pull source into a phase initiator that pushes
// every pulled item downstream.
func DrivePull[T any](makeSrc func(b *Builder) Source[T]) Begin[T] {
	return NewBegin(func(b *Builder, dest Dest[T]) Initiator {
		src := makeSrc(b)
		n := &pullDriverNode[T]{src: src, dest: dest}
		b.Init(n)
		n.AddPullSource(src)
		n.AddPushDestination(dest)
		n.SetName("Pull driver", PriorityInsignificant)
		return n
	})
}
