package pipe

import (
	"github.com/dustin/go-humanize"

	"github.com/robot-dreams/exmem/progress"
)

// Run executes the pipeline under the given memory budget, reporting
// progress to ind.  Scheduling is single-threaded and cooperative: the
// driver prepares every node and assigns memory to every phase up
// front, then for each phase in order it propagates metadata, begins
// every node, invokes Go on the phase's initiators and ends the nodes
// again.
//
// A node failure raised with Abort unwinds the running phase; the
// remaining begun nodes still get End invoked best-effort, and Run
// returns the aborted error.  Structural mistakes (cyclic graphs,
// missing forwarded keys, initiators with incoming push edges) panic.
func (p *Pipeline) Run(memory int64, ind progress.Indicator) error {
	if ind == nil {
		ind = progress.Null{}
	}
	g := newGraph(p.nm.authority())
	phases := g.phases()

	if memory == 0 {
		p.env.Log.Warn().Msg("no memory for pipelining")
	}
	mem := memory - int64(len(phases))*phaseOverhead
	if mem < 0 {
		p.env.Log.Warn().
			Str("budget", humanize.IBytes(uint64(memory))).
			Msg("not enough memory for pipelining framework overhead")
		mem = 0
	}

	// Pipeline-level forwards enter at the item sources.
	for _, n := range g.itemSources() {
		for k, v := range p.forwards {
			n.base().addReceived(k, v)
		}
	}

	// Prepare is driven once, graph-wide; the forwarding dictionary is
	// refreshed before every node so upstream declarations are visible.
	// Graphs are non-reentrant, so every node must still be in its
	// construction state here.
	for _, n := range g.topoAll() {
		n.base().assertState(stateConstructed, "Run")
		p.resolveForwards(g, n)
		n.Prepare()
		n.base().st = statePrepared
	}

	p.env.Log.Debug().
		Str("memory", humanize.IBytes(uint64(mem))).
		Int("phases", len(phases)).
		Msg("assigning memory to pipeline phases")
	for _, phase := range phases {
		assignPhaseMemory(p.env.Log, phase, mem)
	}

	for i, phase := range phases {
		if err := p.runPhase(g, phase, i, ind); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runPhase(g *graph, phase []Node, index int, ind progress.Indicator) error {
	for _, n := range phase {
		p.resolveForwards(g, n)
		n.Propagate()
	}

	// Destinations begin before the nodes that feed them; a phase ends
	// in the opposite direction so held-back items can still flow.
	var begun []Node
	err := func() error {
		for i := len(phase) - 1; i >= 0; i-- {
			n := phase[i]
			n.base().assertState(statePrepared, "Begin")
			if e := safeCall(n.Begin); e != nil {
				return e
			}
			n.base().st = stateBegun
			begun = append(begun, n)
		}
		return nil
	}()

	if err == nil {
		var total int64
		for _, n := range phase {
			nb := n.base()
			total += nb.steps
			nb.indicator = ind
		}
		ind.Init(phaseName(phase, index), total)

		for _, init := range g.initiators(phase) {
			init.base().assertState(stateBegun, "Go")
			if e := safeCall(init.Go); e != nil {
				err = e
				break
			}
		}
	}

	// End every begun node, upstream first, even while unwinding.
	for i := len(begun) - 1; i >= 0; i-- {
		n := begun[i]
		n.base().assertState(stateBegun, "End")
		if e := safeCall(n.End); e != nil && err == nil {
			err = e
		}
		n.base().st = stateEnded
		n.base().indicator = nil
	}
	if err != nil {
		return err
	}
	ind.Done()
	return nil
}

// resolveForwards refreshes n's received dictionary from everything its
// flow predecessors forwarded or received.  Processing nodes in
// topological order makes the propagation transitive.
func (p *Pipeline) resolveForwards(g *graph, n Node) {
	for _, pred := range g.flowPredecessors(n) {
		pb := pred.base()
		for k, v := range pb.forwards {
			n.base().addReceived(k, v)
		}
		for k, v := range pb.received {
			n.base().addReceived(k, v)
		}
	}
}

// safeCall runs f, converting an Abort into an error.  Other panics are
// structural and propagate.
func safeCall(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ne, ok := r.(nodeError); ok {
				err = ne.err
				return
			}
			panic(r)
		}
	}()
	f()
	return nil
}
