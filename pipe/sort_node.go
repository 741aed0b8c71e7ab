package pipe

import (
	"os"

	"github.com/robot-dreams/exmem"
	"github.com/robot-dreams/exmem/extsort"
	"github.com/robot-dreams/exmem/progress"
	"github.com/robot-dreams/exmem/stream"
)

// Pipelined sort: the push side materializes incoming items into a
// temporary stream; after that phase ends, the pull side runs the
// external sort under its assigned memory and drives the sorted items
// downstream.

type sortState struct {
	unsortedPath string
	items        int64
}

type sortInput[T comparable] struct {
	NodeBase
	env *exmem.Env
	st  *sortState
	s   *stream.Stream[T]
}

func (n *sortInput[T]) Begin() {
	n.st.unsortedPath = n.env.TempPath("sort-input")
	s, err := stream.Open[T](n.env, n.st.unsortedPath, stream.Write, 0)
	if err != nil {
		Abort(err)
	}
	n.s = s
}

func (n *sortInput[T]) Push(item T) {
	n.AssertBegun()
	if err := n.s.WriteItem(item); err != nil {
		Abort(err)
	}
}

func (n *sortInput[T]) End() {
	if n.s == nil {
		return
	}
	n.st.items = n.s.Len()
	if err := n.s.Close(); err != nil {
		Abort(err)
	}
}

type sortOutput[T comparable] struct {
	NodeBase
	env  *exmem.Env
	st   *sortState
	dest Dest[T]
	less func(a, b T) bool

	sortedPath string
}

func (n *sortOutput[T]) Propagate() {
	n.Forward("items", n.st.items)
	n.SetSteps(n.st.items)
}

// Begin runs the external sort so that Go can stream the result.
func (n *sortOutput[T]) Begin() {
	unsorted, err := stream.Open[T](n.env, n.st.unsortedPath, stream.Read, 0)
	if err != nil {
		Abort(err)
	}
	defer func() {
		unsorted.Close()
		os.Remove(n.st.unsortedPath)
	}()
	n.sortedPath = n.env.TempPath("sort-output")
	sorted, err := stream.Open[T](n.env, n.sortedPath, stream.Write, 0)
	if err != nil {
		Abort(err)
	}
	budget := n.AvailableMemory()
	if budget < n.MinimumMemory() {
		budget = n.MinimumMemory()
	}
	if err := extsort.Sort(n.env, unsorted, sorted, n.less, budget, progress.Null{}); err != nil {
		sorted.Close()
		Abort(err)
	}
	if err := sorted.Close(); err != nil {
		Abort(err)
	}
}

func (n *sortOutput[T]) Go() {
	s, err := stream.Open[T](n.env, n.sortedPath, stream.Read, 0)
	if err != nil {
		Abort(err)
	}
	defer func() {
		s.Close()
		os.Remove(n.sortedPath)
	}()
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

// SortPipe sorts the items flowing through it under less, using
// external memory.  It is a phase boundary: upstream runs to completion
// before the sorted items continue downstream.
func SortPipe[T comparable](less func(a, b T) bool) Pipe[T, T] {
	return NewPipe(func(b *Builder, dest Dest[T]) Dest[T] {
		st := &sortState{}
		out := &sortOutput[T]{env: b.Env(), st: st, dest: dest, less: less}
		b.Init(out)
		out.AddPushDestination(dest)
		out.SetName("Sort output", PrioritySignificant)
		out.SetMinimumMemory(4 * stream.EstimatedMemoryUsage(b.Env(), 0))
		out.SetMemoryFraction(1.0)

		in := &sortInput[T]{env: b.Env(), st: st}
		b.Init(in)
		in.SetName("Sort input", PrioritySignificant)
		in.SetMinimumMemory(stream.EstimatedMemoryUsage(b.Env(), 0))
		in.MarkBuffering()

		out.AddDependency(in)
		return in
	})
}
