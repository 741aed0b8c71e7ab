package pipe

import (
	"os"

	"github.com/robot-dreams/exmem"
	"github.com/robot-dreams/exmem/stream"
)

// Passive buffer and reverser: both materialize their input into a
// temporary stream, splitting the pipeline into two phases, and play it
// back in the next phase.

type bufferState struct {
	path  string
	items int64
}

type bufferInput[T comparable] struct {
	NodeBase
	env *exmem.Env
	st  *bufferState
	s   *stream.Stream[T]
}

func (n *bufferInput[T]) Begin() {
	n.st.path = n.env.TempPath("buffer")
	s, err := stream.Open[T](n.env, n.st.path, stream.Write, 0)
	if err != nil {
		Abort(err)
	}
	n.s = s
}

func (n *bufferInput[T]) Push(item T) {
	n.AssertBegun()
	if err := n.s.WriteItem(item); err != nil {
		Abort(err)
	}
}

func (n *bufferInput[T]) End() {
	if n.s == nil {
		return
	}
	n.st.items = n.s.Len()
	if err := n.s.Close(); err != nil {
		Abort(err)
	}
}

type bufferOutput[T comparable] struct {
	NodeBase
	env     *exmem.Env
	st      *bufferState
	dest    Dest[T]
	reverse bool
}

func (n *bufferOutput[T]) Propagate() {
	n.Forward("items", n.st.items)
	n.SetSteps(n.st.items)
}

func (n *bufferOutput[T]) Go() {
	s, err := stream.Open[T](n.env, n.st.path, stream.Read, 0)
	if err != nil {
		Abort(err)
	}
	defer func() {
		s.Close()
		os.Remove(n.st.path)
	}()
	if n.reverse {
		for i := n.st.items - 1; i >= 0; i-- {
			var item T
			if err := s.Seek(i); err != nil {
				Abort(err)
			}
			if err := s.ReadInto(&item); err != nil {
				Abort(err)
			}
			n.dest.Push(item)
			n.Step(1)
		}
		return
	}
	for {
		var item T
		err := s.ReadInto(&item)
		if err == exmem.ErrEndOfStream {
			return
		} else if err != nil {
			Abort(err)
		}
		n.dest.Push(item)
		n.Step(1)
	}
}

func materializer[T comparable](reverse bool, inName, outName string) Pipe[T, T] {
	return NewPipe(func(b *Builder, dest Dest[T]) Dest[T] {
		st := &bufferState{}
		out := &bufferOutput[T]{env: b.Env(), st: st, dest: dest, reverse: reverse}
		b.Init(out)
		out.AddPushDestination(dest)
		out.SetName(outName, PrioritySignificant)
		out.SetMinimumMemory(stream.EstimatedMemoryUsage(b.Env(), 0))

		in := &bufferInput[T]{env: b.Env(), st: st}
		b.Init(in)
		in.SetName(inName, PrioritySignificant)
		in.SetMinimumMemory(stream.EstimatedMemoryUsage(b.Env(), 0))
		in.MarkBuffering()

		out.AddDependency(in)
		return in
	})
}

// Buffer materializes the items flowing through it, splitting the
// pipeline into a phase that stores and a later phase that replays.
func Buffer[T comparable]() Pipe[T, T] {
	return materializer[T](false, "Storing items", "Fetching items")
}

// Reverser replays its input in reverse order; like Buffer it is a
// phase boundary.
func Reverser[T comparable]() Pipe[T, T] {
	return materializer[T](true, "Store items", "Reverse items")
}
