package pipe

// Virtual chunks: type-erased pipe segments for graphs assembled at
// run time.  A chunk fixes the item types at its boundary; the segment
// types inside are hidden behind the boxed factory.  Pushes crossing
// the boundary are batched to amortize the indirect call.

// chunkBufferSize is the boundary batch size.
const chunkBufferSize = 64

type chunkBoundary[T any] struct {
	NodeBase
	dest Dest[T]
	buf  []T
}

func (n *chunkBoundary[T]) Begin() {
	n.buf = make([]T, 0, chunkBufferSize)
}

func (n *chunkBoundary[T]) Push(item T) {
	n.AssertBegun()
	n.buf = append(n.buf, item)
	if len(n.buf) == chunkBufferSize {
		n.flush()
	}
}

func (n *chunkBoundary[T]) flush() {
	for _, item := range n.buf {
		n.dest.Push(item)
	}
	n.buf = n.buf[:0]
}

func (n *chunkBoundary[T]) End() {
	if n.buf != nil {
		n.flush()
	}
	n.buf = nil
}

// Chunk is a composable pipeline fragment accepting I and emitting O.
// Mismatched compositions fail at compile time, which is stricter than
// the construction-time check a type-erased boundary otherwise needs.
type Chunk[I, O any] struct {
	pipe Pipe[I, O]
}

// NewChunk boxes a pipe segment behind a buffered boundary.
func NewChunk[I, O any](p Pipe[I, O]) Chunk[I, O] {
	return Chunk[I, O]{pipe: p}
}

// AsPipe exposes the chunk for composition with ordinary segments.
// The returned pipe inserts the boundary buffer in front of the boxed
// segment.
func (c Chunk[I, O]) AsPipe() Pipe[I, O] {
	inner := c.pipe
	return NewPipe(func(b *Builder, dest Dest[O]) Dest[I] {
		head := inner.build(b, dest)
		boundary := &chunkBoundary[I]{dest: head}
		b.Init(boundary)
		boundary.AddPushDestination(head)
		boundary.SetName("Virtual boundary", PriorityInsignificant)
		return boundary
	})
}

// ComposeChunks joins two chunks whose boundary types line up.  Each
// chunk keeps its own boundary buffer.
func ComposeChunks[I, M, O any](a Chunk[I, M], b Chunk[M, O]) Chunk[I, O] {
	return Chunk[I, O]{pipe: Then(a.AsPipe(), b.AsPipe())}
}
