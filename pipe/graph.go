package pipe

import (
	"sort"
	"strconv"

	"github.com/dropbox/godropbox/errors"
)

// graph is the planner's view of an authority node map: edges oriented
// in item-flow direction, phase partition and topological orders.
//
// Item flow runs from pusher to pushee and from pull source to puller;
// a dependency edge orients from the dependee to the dependent node.
type graph struct {
	nm    *nodeMap
	nodes []Node

	flowSucc map[*NodeBase][]*NodeBase
	flowPred map[*NodeBase][]*NodeBase
	itemIn   map[*NodeBase]int
	itemOut  map[*NodeBase]int
	pushIn   map[*NodeBase]int
}

func newGraph(nm *nodeMap) *graph {
	g := &graph{
		nm:       nm,
		nodes:    nm.nodes,
		flowSucc: make(map[*NodeBase][]*NodeBase),
		flowPred: make(map[*NodeBase][]*NodeBase),
		itemIn:   make(map[*NodeBase]int),
		itemOut:  make(map[*NodeBase]int),
		pushIn:   make(map[*NodeBase]int),
	}
	for _, e := range nm.edges {
		var from, to *NodeBase
		switch e.kind {
		case edgePush:
			from, to = e.from, e.to
			g.itemOut[from]++
			g.itemIn[to]++
			g.pushIn[to]++
		case edgePull:
			// e.from pulls from e.to: items flow to -> from.
			from, to = e.to, e.from
			g.itemOut[from]++
			g.itemIn[to]++
		case edgeDepend:
			// e.from depends on e.to: e.to runs first.
			from, to = e.to, e.from
		}
		g.flowSucc[from] = append(g.flowSucc[from], to)
		g.flowPred[to] = append(g.flowPred[to], from)
	}
	return g
}

func (g *graph) node(nb *NodeBase) Node {
	return g.nm.index[nb]
}

// itemSources are nodes no item edge flows into.
func (g *graph) itemSources() []Node {
	var result []Node
	for _, n := range g.nodes {
		if g.itemIn[n.base()] == 0 {
			result = append(result, n)
		}
	}
	return result
}

// itemSinks are nodes no item edge flows out of.
func (g *graph) itemSinks() []Node {
	var result []Node
	for _, n := range g.nodes {
		if g.itemOut[n.base()] == 0 {
			result = append(result, n)
		}
	}
	return result
}

// flowPredecessors returns the nodes immediately upstream of n in flow
// direction, dependency edges included; used to resolve forwarding.
func (g *graph) flowPredecessors(n Node) []Node {
	preds := g.flowPred[n.base()]
	result := make([]Node, 0, len(preds))
	for _, p := range preds {
		result = append(result, g.node(p))
	}
	return result
}

// topoAll orders every node so that each appears after all its flow
// predecessors.  Ties resolve to construction order.  A cyclic graph is
// a programmer error and panics.
func (g *graph) topoAll() []Node {
	return g.topo(g.nodes)
}

func (g *graph) topo(nodes []Node) []Node {
	in := make(map[*NodeBase]int, len(nodes))
	member := make(map[*NodeBase]bool, len(nodes))
	for _, n := range nodes {
		member[n.base()] = true
	}
	for _, n := range nodes {
		for _, s := range g.flowSucc[n.base()] {
			if member[s] {
				in[s]++
			}
		}
	}
	var ready []*NodeBase
	for _, n := range nodes {
		if in[n.base()] == 0 {
			ready = append(ready, n.base())
		}
	}
	var result []Node
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
		nb := ready[0]
		ready = ready[1:]
		result = append(result, g.node(nb))
		for _, s := range g.flowSucc[nb] {
			if !member[s] {
				continue
			}
			in[s]--
			if in[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(result) != len(nodes) {
		panic(errors.New("pipeline graph contains a cycle"))
	}
	return result
}

// phases partitions the graph into execution phases.  Nodes connected
// by item edges share a phase, except that a push edge out of a
// buffering node materializes and separates phases.  Dependency edges
// and buffering edges order the phases; a cyclic phase order panics.
func (g *graph) phases() [][]Node {
	parent := make(map[*NodeBase]*NodeBase)
	var find func(x *NodeBase) *NodeBase
	find = func(x *NodeBase) *NodeBase {
		if parent[x] == nil || parent[x] == x {
			parent[x] = x
			return x
		}
		parent[x] = find(parent[x])
		return parent[x]
	}
	union := func(a, b *NodeBase) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra.seq > rb.seq {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
	}
	for _, n := range g.nodes {
		find(n.base())
	}

	type arc struct{ from, to *NodeBase }
	var arcs []arc
	for _, e := range g.nm.edges {
		switch e.kind {
		case edgePush:
			if e.from.buffering {
				arcs = append(arcs, arc{e.from, e.to})
			} else {
				union(e.from, e.to)
			}
		case edgePull:
			union(e.from, e.to)
		case edgeDepend:
			arcs = append(arcs, arc{e.to, e.from})
		}
	}

	// Group nodes by component, keyed by the representative.
	groups := make(map[*NodeBase][]Node)
	var reps []*NodeBase
	for _, n := range g.nodes {
		r := find(n.base())
		if _, seen := groups[r]; !seen {
			reps = append(reps, r)
		}
		groups[r] = append(groups[r], n)
	}

	// Order components by their arcs (self-arcs are plain ordering
	// constraints inside one phase and drop out here).
	arcIn := make(map[*NodeBase]int)
	arcSucc := make(map[*NodeBase][]*NodeBase)
	for _, a := range arcs {
		rf, rt := find(a.from), find(a.to)
		if rf == rt {
			continue
		}
		arcSucc[rf] = append(arcSucc[rf], rt)
		arcIn[rt]++
	}
	var ready []*NodeBase
	for _, r := range reps {
		if arcIn[r] == 0 {
			ready = append(ready, r)
		}
	}
	var ordered []*NodeBase
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
		r := ready[0]
		ready = ready[1:]
		ordered = append(ordered, r)
		for _, s := range arcSucc[r] {
			arcIn[s]--
			if arcIn[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(ordered) != len(reps) {
		panic(errors.New("pipeline phase ordering contains a cycle"))
	}

	result := make([][]Node, 0, len(ordered))
	for _, r := range ordered {
		result = append(result, g.topo(groups[r]))
	}
	return result
}

// initiators returns the nodes of one phase whose Go drives it.
func (g *graph) initiators(phase []Node) []Initiator {
	var result []Initiator
	for _, n := range phase {
		init, ok := n.(Initiator)
		if !ok {
			continue
		}
		if g.pushIn[n.base()] != 0 {
			panic(errors.Newf(
				"initiator %q has an incoming push edge", n.base().name))
		}
		result = append(result, init)
	}
	return result
}

// phaseName describes a phase by its most significant named node.
func phaseName(phase []Node, index int) string {
	best := ""
	bestPriority := Priority(-1)
	for _, n := range phase {
		nb := n.base()
		if nb.name != "" && nb.namePriority > bestPriority {
			best = nb.name
			bestPriority = nb.namePriority
		}
	}
	if best == "" {
		return "phase " + strconv.Itoa(index)
	}
	return best
}
