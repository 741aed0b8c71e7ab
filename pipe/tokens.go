package pipe

// The node map tracks every node of a pipeline expression together with
// the declared edges.  Maps are merged union-find style when an edge
// joins nodes that were registered in different pipelines; all queries
// go through the authority map.

type edgeKind int

const (
	edgePush edgeKind = iota
	edgePull
	edgeDepend
)

type edge struct {
	from *NodeBase
	to   *NodeBase
	kind edgeKind
}

type nodeMap struct {
	parent *nodeMap
	nodes  []Node
	index  map[*NodeBase]Node
	edges  []edge
	seq    int
}

func newNodeMap() *nodeMap {
	return &nodeMap{index: make(map[*NodeBase]Node)}
}

func (m *nodeMap) authority() *nodeMap {
	root := m
	for root.parent != nil {
		root = root.parent
	}
	// Path compression.
	for m.parent != nil {
		next := m.parent
		m.parent = root
		m = next
	}
	return root
}

func (m *nodeMap) add(n Node) {
	a := m.authority()
	nb := n.base()
	nb.nm = a
	nb.seq = a.seq
	a.seq++
	a.nodes = append(a.nodes, n)
	a.index[nb] = n
}

// addEdge records an edge, merging the two endpoints' maps first if
// they belong to different pipelines.
func (m *nodeMap) addEdge(from, to *NodeBase, kind edgeKind) {
	a := m.authority()
	b := to.nm.authority()
	if a != b {
		a = unionMaps(a, b)
	}
	a.edges = append(a.edges, edge{from: from, to: to, kind: kind})
}

func unionMaps(a, b *nodeMap) *nodeMap {
	if len(b.nodes) > len(a.nodes) {
		a, b = b, a
	}
	for _, n := range b.nodes {
		nb := n.base()
		nb.seq = a.seq
		a.seq++
		a.nodes = append(a.nodes, n)
		a.index[nb] = n
	}
	a.edges = append(a.edges, b.edges...)
	b.nodes = nil
	b.index = nil
	b.edges = nil
	b.parent = a
	return a
}
