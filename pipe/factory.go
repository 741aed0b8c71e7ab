package pipe

import (
	"github.com/robot-dreams/exmem"
)

// Builder is passed to factory construct functions.  It registers the
// nodes of one pipeline expression and carries the runtime context they
// capture for later phases.
type Builder struct {
	env *exmem.Env
	nm  *nodeMap
}

func (b *Builder) Env() *exmem.Env { return b.env }

// Init registers a freshly constructed node.  It must be called before
// the node declares any edges.
func (b *Builder) Init(n Node) {
	b.nm.add(n)
}

// adornments are per-segment attributes a factory copies onto the node
// it constructs: name, breadcrumb, memory fraction and initialization
// hooks.
type adornments struct {
	name         string
	namePriority Priority
	nameSet      bool
	breadcrumb   string
	fraction     float64
	fractionSet  bool
	hooks        []func(Node)
}

func (a adornments) apply(n Node) {
	if a.nameSet {
		n.base().SetName(a.name, a.namePriority)
	}
	if a.breadcrumb != "" {
		n.base().SetBreadcrumb(a.breadcrumb)
	}
	if a.fractionSet {
		n.base().SetMemoryFraction(a.fraction)
	}
	for _, h := range a.hooks {
		h(n)
	}
}

// Pipe is a factory for a middle segment: given the downstream
// destination accepting O it constructs a node accepting I.  Pipe
// values are immutable; the With* methods return adorned copies.
type Pipe[I, O any] struct {
	construct func(b *Builder, dest Dest[O]) Dest[I]
	adorn     adornments
}

func NewPipe[I, O any](construct func(b *Builder, dest Dest[O]) Dest[I]) Pipe[I, O] {
	return Pipe[I, O]{construct: construct}
}

func (p Pipe[I, O]) WithName(name string, priority Priority) Pipe[I, O] {
	p.adorn.name, p.adorn.namePriority, p.adorn.nameSet = name, priority, true
	return p
}

func (p Pipe[I, O]) WithBreadcrumb(crumb string) Pipe[I, O] {
	p.adorn.breadcrumb = crumb
	return p
}

func (p Pipe[I, O]) WithMemoryFraction(f float64) Pipe[I, O] {
	p.adorn.fraction, p.adorn.fractionSet = f, true
	return p
}

func (p Pipe[I, O]) WithHook(h func(Node)) Pipe[I, O] {
	p.adorn.hooks = append(p.adorn.hooks[:len(p.adorn.hooks):len(p.adorn.hooks)], h)
	return p
}

func (p Pipe[I, O]) build(b *Builder, dest Dest[O]) Dest[I] {
	n := p.construct(b, dest)
	p.adorn.apply(n)
	return n
}

// Begin is a factory for an initiator segment: the node whose Go drives
// the phase.
type Begin[O any] struct {
	construct func(b *Builder, dest Dest[O]) Initiator
	adorn     adornments
}

func NewBegin[O any](construct func(b *Builder, dest Dest[O]) Initiator) Begin[O] {
	return Begin[O]{construct: construct}
}

func (p Begin[O]) WithName(name string, priority Priority) Begin[O] {
	p.adorn.name, p.adorn.namePriority, p.adorn.nameSet = name, priority, true
	return p
}

func (p Begin[O]) WithMemoryFraction(f float64) Begin[O] {
	p.adorn.fraction, p.adorn.fractionSet = f, true
	return p
}

func (p Begin[O]) build(b *Builder, dest Dest[O]) Initiator {
	n := p.construct(b, dest)
	p.adorn.apply(n)
	return n
}

// End is a factory for a terminator segment: a destination with no
// further downstream.
type End[I any] struct {
	construct func(b *Builder) Dest[I]
	adorn     adornments
}

func NewEnd[I any](construct func(b *Builder) Dest[I]) End[I] {
	return End[I]{construct: construct}
}

func (p End[I]) WithName(name string, priority Priority) End[I] {
	p.adorn.name, p.adorn.namePriority, p.adorn.nameSet = name, priority, true
	return p
}

func (p End[I]) WithMemoryFraction(f float64) End[I] {
	p.adorn.fraction, p.adorn.fractionSet = f, true
	return p
}

func (p End[I]) build(b *Builder) Dest[I] {
	n := p.construct(b)
	p.adorn.apply(n)
	return n
}

// Then composes two middle segments: items flow through p, then q.
func Then[I, M, O any](p Pipe[I, M], q Pipe[M, O]) Pipe[I, O] {
	return NewPipe(func(b *Builder, dest Dest[O]) Dest[I] {
		return p.build(b, q.build(b, dest))
	})
}

// ThenBegin extends an initiator segment with a middle segment.
func ThenBegin[I, O any](src Begin[I], p Pipe[I, O]) Begin[O] {
	return NewBegin(func(b *Builder, dest Dest[O]) Initiator {
		return src.build(b, p.build(b, dest))
	})
}

// CapEnd attaches a terminator after a middle segment.
func CapEnd[I, O any](p Pipe[I, O], end End[O]) End[I] {
	return NewEnd(func(b *Builder) Dest[I] {
		return p.build(b, end.build(b))
	})
}

// Pipeline is a sealed composition of an initiator and a terminator.
// Sealing constructs the node graph immediately; Run executes it.
type Pipeline struct {
	env      *exmem.Env
	nm       *nodeMap
	forwards map[string]interface{}
}

// Seal closes a composition into an executable pipeline, constructing
// every node in the expression.
func Seal[I any](env *exmem.Env, src Begin[I], end End[I]) *Pipeline {
	b := &Builder{env: env, nm: newNodeMap()}
	dest := end.build(b)
	src.build(b, dest)
	return &Pipeline{env: env, nm: b.nm.authority()}
}

// Forward publishes a keyed value into the pipeline before it runs; the
// item source nodes receive it as if an upstream node had forwarded it.
func (p *Pipeline) Forward(key string, value interface{}) {
	if p.forwards == nil {
		p.forwards = make(map[string]interface{})
	}
	p.forwards[key] = value
}

// CanFetch reports whether any item sink received key during the run.
func (p *Pipeline) CanFetch(key string) bool {
	g := newGraph(p.nm.authority())
	for _, n := range g.itemSinks() {
		if n.base().CanFetch(key) {
			return true
		}
	}
	return false
}

// Fetch returns the value forwarded to the pipeline's item sinks.
// Fetching a key nobody forwarded panics.
func (p *Pipeline) Fetch(key string) interface{} {
	g := newGraph(p.nm.authority())
	for _, n := range g.itemSinks() {
		if n.base().CanFetch(key) {
			return n.base().FetchAny(key)
		}
	}
	// Reuse the node-level error message.
	return (&NodeBase{}).FetchAny(key)
}

// OrderBefore constrains other to run after p when both share one
// execution, by adding dependency edges from other's item sources to
// p's item sinks.
func (p *Pipeline) OrderBefore(other *Pipeline) {
	g := newGraph(p.nm.authority())
	og := newGraph(other.nm.authority())
	for _, src := range og.itemSources() {
		for _, sink := range g.itemSinks() {
			src.base().nm.authority().addEdge(src.base(), sink.base(), edgeDepend)
		}
	}
	p.nm = p.nm.authority()
	other.nm = other.nm.authority()
}
