package pipe

import "golang.org/x/exp/constraints"

// Number covers the item types the numeric nodes operate on.
type Number interface {
	constraints.Integer | constraints.Float
}

type linearNode[T Number] struct {
	NodeBase
	dest   Dest[T]
	factor T
	term   T
}

func (n *linearNode[T]) Push(item T) {
	n.dest.Push(item*n.factor + n.term)
}

// Linear pushes factor*item + term.
func Linear[T Number](factor, term T) Pipe[T, T] {
	return NewPipe(func(b *Builder, dest Dest[T]) Dest[T] {
		n := &linearNode[T]{dest: dest, factor: factor, term: term}
		b.Init(n)
		n.AddPushDestination(dest)
		n.SetName("Linear transform", PriorityInsignificant)
		return n
	})
}

// Multiply pushes factor*item.
func Multiply[T Number](factor T) Pipe[T, T] {
	return Linear(factor, 0)
}
