package pipe

import (
	"github.com/robot-dreams/exmem"
	"github.com/robot-dreams/exmem/stream"
)

// Stream leaves: pipelines consume and produce block-buffered streams
// through these nodes.

type inputStreamNode[T comparable] struct {
	NodeBase
	dest Dest[T]
	s    *stream.Stream[T]
}

func (n *inputStreamNode[T]) Propagate() {
	n.Forward("items", n.s.Len())
	n.SetSteps(n.s.Len())
}

func (n *inputStreamNode[T]) Go() {
	if err := n.s.Seek(0); err != nil {
		Abort(err)
	}
	for {
		var item T
		err := n.s.ReadInto(&item)
		if err == exmem.ErrEndOfStream {
			return
		} else if err != nil {
			Abort(err)
		}
		n.dest.Push(item)
		n.Step(1)
	}
}

// InputStream drives the items of an open stream into the pipeline,
// from the beginning.
func InputStream[T comparable](s *stream.Stream[T]) Begin[T] {
	return NewBegin(func(b *Builder, dest Dest[T]) Initiator {
		n := &inputStreamNode[T]{dest: dest, s: s}
		b.Init(n)
		n.AddPushDestination(dest)
		n.SetName("Read", PriorityInsignificant)
		n.SetMinimumMemory(s.MemoryUsage(stream.MemoryMaximum))
		return n
	})
}

type outputStreamNode[T comparable] struct {
	NodeBase
	s *stream.Stream[T]
}

func (n *outputStreamNode[T]) Push(item T) {
	n.AssertBegun()
	if err := n.s.WriteItem(item); err != nil {
		Abort(err)
	}
}

type pullStreamNode[T comparable] struct {
	NodeBase
	s *stream.Stream[T]
}

func (n *pullStreamNode[T]) Propagate() {
	n.Forward("items", n.s.Len())
}

func (n *pullStreamNode[T]) Begin() {
	if err := n.s.Seek(0); err != nil {
		Abort(err)
	}
}

func (n *pullStreamNode[T]) CanPull() bool {
	return n.s.Tell() < n.s.Len()
}

func (n *pullStreamNode[T]) Pull() T {
	n.AssertBegun()
	var item T
	if err := n.s.ReadInto(&item); err != nil {
		Abort(err)
	}
	return item
}

// PullStream is a pull source over an open stream; compose it with
// DrivePull.
func PullStream[T comparable](s *stream.Stream[T]) func(b *Builder) Source[T] {
	return func(b *Builder) Source[T] {
		n := &pullStreamNode[T]{s: s}
		b.Init(n)
		n.SetName("Read", PriorityInsignificant)
		n.SetMinimumMemory(s.MemoryUsage(stream.MemoryMaximum))
		return n
	}
}

// OutputStream writes every received item to an open writable stream.
func OutputStream[T comparable](s *stream.Stream[T]) End[T] {
	return NewEnd(func(b *Builder) Dest[T] {
		n := &outputStreamNode[T]{s: s}
		b.Init(n)
		n.SetName("Write", PriorityInsignificant)
		n.SetMinimumMemory(s.MemoryUsage(stream.MemoryMaximum))
		return n
	})
}
