package pipe

import (
	"sync"

	"github.com/dropbox/godropbox/errors"

	"github.com/robot-dreams/exmem"
)

// Parallel partitions push work across worker goroutines, each running
// its own instance of the inner segment.  Items are dispatched in
// batches over a single-producer single-consumer channel per worker;
// results return to the coordinating goroutine, which alone pushes
// downstream, so the cooperative single-threaded rule holds on both
// sides of the operator and inside every worker.

type Order int

const (
	// ArbitraryOrder emits batches as workers finish them.
	ArbitraryOrder Order = iota
	// MaintainOrder buffers finished batches until their turn.
	MaintainOrder
)

const parallelBatchSize = 256

type inBatch[I any] struct {
	seq   int64
	items []I
}

type outBatch[O any] struct {
	seq   int64
	items []O
	err   error
}

// collector is the sink of one worker's inner segment.
type collector[O any] struct {
	NodeBase
	items []O
}

func (c *collector[O]) Push(item O) {
	c.items = append(c.items, item)
}

type parallelNode[I, O any] struct {
	NodeBase
	env     *exmem.Env
	inner   Pipe[I, O]
	dest    Dest[O]
	workers int
	order   Order

	inCh  []chan inBatch[I]
	outCh chan outBatch[O]
	wg    sync.WaitGroup

	chains [][]Node

	batch      []I
	rr         int
	dispatched int64
	received   int64
	next       int64
	pending    map[int64][]O
	failed     error
}

func (n *parallelNode[I, O]) Begin() {
	n.inCh = make([]chan inBatch[I], n.workers)
	n.outCh = make(chan outBatch[O], n.workers)
	n.chains = make([][]Node, n.workers)
	n.batch = make([]I, 0, parallelBatchSize)
	n.pending = make(map[int64][]O)
	n.dispatched, n.received, n.next, n.rr = 0, 0, 0, 0
	n.failed = nil

	share := n.AvailableMemory() / int64(n.workers)
	for w := 0; w < n.workers; w++ {
		sub := &Builder{env: n.env, nm: newNodeMap()}
		col := &collector[O]{}
		sub.Init(col)
		head := n.inner.build(sub, col)

		// Worker chains live outside the planner's graph; their
		// lifecycle is driven here.  Nodes register downstream first,
		// so insertion order begins destinations before their feeders.
		chain := sub.nm.authority().nodes
		for _, cn := range chain {
			cn.Prepare()
			cn.base().st = statePrepared
		}
		for _, cn := range chain {
			cn.base().SetAvailableMemory(share)
			cn.Propagate()
		}
		for _, cn := range chain {
			cn.Begin()
			cn.base().st = stateBegun
		}
		n.chains[w] = chain

		in := make(chan inBatch[I], 1)
		n.inCh[w] = in
		n.wg.Add(1)
		go n.work(in, head, col)
	}
}

func (n *parallelNode[I, O]) work(in chan inBatch[I], head Dest[I], col *collector[O]) {
	defer n.wg.Done()
	var dead error
	for batch := range in {
		if dead != nil {
			n.outCh <- outBatch[O]{seq: batch.seq, err: dead}
			continue
		}
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					if ne, ok := r.(nodeError); ok {
						err = ne.err
						return
					}
					err = errors.Newf("parallel worker panic: %v", r)
				}
			}()
			for _, item := range batch.items {
				head.Push(item)
			}
			return nil
		}()
		if err != nil {
			dead = err
			n.outCh <- outBatch[O]{seq: batch.seq, err: err}
			continue
		}
		out := col.items
		col.items = nil
		n.outCh <- outBatch[O]{seq: batch.seq, items: out}
	}
}

func (n *parallelNode[I, O]) Push(item I) {
	n.AssertBegun()
	n.batch = append(n.batch, item)
	if len(n.batch) == parallelBatchSize {
		n.dispatch()
	}
}

func (n *parallelNode[I, O]) dispatch() {
	if len(n.batch) == 0 {
		return
	}
	batch := inBatch[I]{seq: n.dispatched, items: n.batch}
	n.dispatched++
	n.batch = make([]I, 0, parallelBatchSize)
	attempts := 0
	for {
		select {
		case n.inCh[n.rr] <- batch:
			n.rr = (n.rr + 1) % n.workers
			return
		case ob := <-n.outCh:
			n.handleOut(ob)
			attempts = 0
		default:
			n.rr = (n.rr + 1) % n.workers
			attempts++
			if attempts >= n.workers {
				// Every worker is busy; wait for one to finish a batch.
				n.handleOut(<-n.outCh)
				attempts = 0
			}
		}
	}
}

func (n *parallelNode[I, O]) handleOut(ob outBatch[O]) {
	n.received++
	if ob.err != nil {
		if n.failed == nil {
			n.failed = ob.err
		}
		return
	}
	if n.failed != nil {
		return
	}
	if n.order == ArbitraryOrder {
		for _, item := range ob.items {
			n.dest.Push(item)
		}
		return
	}
	n.pending[ob.seq] = ob.items
	for {
		items, ok := n.pending[n.next]
		if !ok {
			return
		}
		delete(n.pending, n.next)
		n.next++
		for _, item := range items {
			n.dest.Push(item)
		}
	}
}

func (n *parallelNode[I, O]) End() {
	n.dispatch()
	for _, in := range n.inCh {
		close(in)
	}
	for n.received < n.dispatched {
		n.handleOut(<-n.outCh)
	}
	n.wg.Wait()
	for _, chain := range n.chains {
		for i := len(chain) - 1; i >= 0; i-- {
			chain[i].End()
			chain[i].base().st = stateEnded
		}
	}
	n.chains = nil
	if n.failed != nil {
		Abort(n.failed)
	}
	if n.order == MaintainOrder && len(n.pending) != 0 {
		panic(errors.Newf("%d parallel batches never reassembled", len(n.pending)))
	}
}

// Parallel runs inner on the given number of workers.  Inner segments
// must be self-contained push transforms; each worker constructs its
// own instance, so segments capturing shared mutable state are not
// eligible.
func Parallel[I, O any](workers int, order Order, inner Pipe[I, O]) Pipe[I, O] {
	if workers < 1 {
		workers = 1
	}
	return NewPipe(func(b *Builder, dest Dest[O]) Dest[I] {
		n := &parallelNode[I, O]{env: b.Env(), inner: inner, dest: dest, workers: workers, order: order}
		b.Init(n)
		n.AddPushDestination(dest)
		n.SetName("Parallel", PriorityInsignificant)
		return n
	})
}
