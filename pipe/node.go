// Package pipe implements the pipelining runtime: computation nodes
// composed declaratively into factory graphs, partitioned into phases
// by a planner, assigned memory from a budget, and driven through the
// prepare, propagate, begin, go, end protocol.
package pipe

import (
	"github.com/dropbox/godropbox/errors"

	"github.com/robot-dreams/exmem/progress"
)

// Priority ranks node names when the runtime picks a phase description.
type Priority int

const (
	PriorityInsignificant Priority = iota
	PrioritySignificant
)

type lifecycle int

const (
	stateConstructed lifecycle = iota
	statePrepared
	stateBegun
	stateEnded
)

func (s lifecycle) String() string {
	switch s {
	case stateConstructed:
		return "constructed"
	case statePrepared:
		return "prepared"
	case stateBegun:
		return "begun"
	default:
		return "ended"
	}
}

// Node is the contract every pipelining node satisfies, usually by
// embedding NodeBase and overriding the lifecycle methods it needs.
type Node interface {
	// Prepare declares memory requirements and may forward values.
	Prepare()
	// Propagate publishes derived metadata once memory is assigned.
	Propagate()
	// Begin starts the node's phase; buffers may be sized here.
	Begin()
	// End finishes the node's phase.  A node that holds back items
	// must push them here, before its destination ends.
	End()

	base() *NodeBase
}

// Initiator is a node whose Go drives the push graph of its phase.
type Initiator interface {
	Node
	Go()
}

// Dest receives pushed items of type T.
type Dest[T any] interface {
	Node
	Push(item T)
}

// Source produces items of type T on demand.
type Source[T any] interface {
	Node
	CanPull() bool
	Pull() T
}

// NodeBase carries the planner-facing state of a node: identity, name,
// memory contract, forwarded metadata, progress steps and lifecycle.
type NodeBase struct {
	nm  *nodeMap
	seq int

	name         string
	namePriority Priority
	breadcrumb   string

	minMemory       int64
	maxMemory       int64 // 0 means unbounded
	memoryFraction  float64
	availableMemory int64

	forwards map[string]interface{}
	received map[string]interface{}

	steps     int64
	indicator progress.Indicator

	st        lifecycle
	buffering bool
}

func (b *NodeBase) base() *NodeBase { return b }

// Default lifecycle implementations; nodes override what they need.
func (b *NodeBase) Prepare()   {}
func (b *NodeBase) Propagate() {}
func (b *NodeBase) Begin()     {}
func (b *NodeBase) End()       {}

func (b *NodeBase) SetName(name string, priority Priority) {
	b.name = name
	b.namePriority = priority
}

func (b *NodeBase) Name() string { return b.name }

func (b *NodeBase) SetBreadcrumb(crumb string) {
	if b.breadcrumb == "" {
		b.breadcrumb = crumb
	} else {
		b.breadcrumb = crumb + " | " + b.breadcrumb
	}
}

// Memory contract.  The planner never assigns less than the minimum nor
// more than the maximum; the fraction weighs this node's share of the
// residual.
func (b *NodeBase) SetMinimumMemory(n int64)     { b.minMemory = n }
func (b *NodeBase) SetMaximumMemory(n int64)     { b.maxMemory = n }
func (b *NodeBase) SetMemoryFraction(f float64)  { b.memoryFraction = f }
func (b *NodeBase) MinimumMemory() int64         { return b.minMemory }
func (b *NodeBase) MaximumMemory() int64         { return b.maxMemory }
func (b *NodeBase) MemoryFraction() float64      { return b.memoryFraction }
func (b *NodeBase) SetAvailableMemory(n int64)   { b.availableMemory = n }
func (b *NodeBase) AvailableMemory() int64       { return b.availableMemory }

// MarkBuffering declares that this node materializes its input; its
// outgoing push edges become phase boundaries.
func (b *NodeBase) MarkBuffering() { b.buffering = true }

// Edge declarations, made during construction.

func (b *NodeBase) AddPushDestination(dest Node) {
	b.nm.addEdge(b, dest.base(), edgePush)
}

func (b *NodeBase) AddPullSource(src Node) {
	b.nm.addEdge(b, src.base(), edgePull)
}

// AddDependency forces dep's phase to complete before this node's
// phase begins, without any data flowing along the edge.
func (b *NodeBase) AddDependency(dep Node) {
	b.nm.addEdge(b, dep.base(), edgeDepend)
}

// Forward publishes a keyed value to every node downstream of this one
// (through push, pull and dependency edges).
func (b *NodeBase) Forward(key string, value interface{}) {
	if b.forwards == nil {
		b.forwards = make(map[string]interface{})
	}
	b.forwards[key] = value
}

// CanFetch reports whether an upstream node forwarded key.
func (b *NodeBase) CanFetch(key string) bool {
	_, ok := b.received[key]
	return ok
}

// FetchAny returns the forwarded value for key.  Fetching a key nobody
// forwarded is a programmer error and panics.
func (b *NodeBase) FetchAny(key string) interface{} {
	v, ok := b.received[key]
	if !ok {
		panic(errors.Newf("tried to fetch nonexistent key %q", key))
	}
	return v
}

func (b *NodeBase) addReceived(key string, value interface{}) {
	if b.received == nil {
		b.received = make(map[string]interface{})
	}
	if _, ok := b.received[key]; !ok {
		b.received[key] = value
	}
}

// Fetch returns the forwarded value for key, asserting its type.
func Fetch[T any](n Node, key string) T {
	v := n.base().FetchAny(key)
	t, ok := v.(T)
	if !ok {
		panic(errors.Newf("forwarded key %q has type %T, not the requested type", key, v))
	}
	return t
}

// Progress stepping.  SetSteps declares the amount of work this node
// will report; Step records completed work during Go or Push.
func (b *NodeBase) SetSteps(n int64) { b.steps = n }

func (b *NodeBase) Step(n int64) {
	if b.indicator != nil {
		b.indicator.Step(n)
	}
}

// assertState panics unless the node is in the expected lifecycle
// state.  Transitions are driven by the runtime; a violation is a
// programmer error, not a data-plane failure.
func (b *NodeBase) assertState(want lifecycle, op string) {
	if b.st != want {
		panic(errors.Newf(
			"%s on node %q in lifecycle state %v (want %v)",
			op, b.name, b.st, want))
	}
}

// AssertBegun panics unless the node is between Begin and End.  The
// built-in sinks, materializing nodes, virtual boundaries, the parallel
// operator and the pull sources call it so that a Push or Pull outside
// a running phase fails fast.  The pass-through transforms (Identity,
// Map, Filter, Linear, Distinct, DistinctApprox) do not call it.
func (b *NodeBase) AssertBegun() {
	if b.st != stateBegun {
		panic(errors.Newf(
			"node %q received data in lifecycle state %v, outside its begin/end window",
			b.name, b.st))
	}
}

// Abort raises err out of the data plane.  The runtime unwinds the
// phase, invokes End on the remaining begun nodes and returns err from
// Run.
func Abort(err error) {
	panic(nodeError{err})
}

type nodeError struct {
	err error
}
