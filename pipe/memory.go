package pipe

import (
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// phaseOverhead is the framework's own bookkeeping cost per phase,
// taken off the top of the pipeline budget.
const phaseOverhead = 4096

// assignPhaseMemory distributes budget over the nodes of one phase.
//
// Every node receives at least its minimum.  The residual is split in
// proportion to the memory fractions, clamping any node at its maximum
// and redistributing what the clamp frees, iterating to a fixed point.
// If the minima alone exceed the budget the unmet demand is logged and
// the minima are assigned regardless.
func assignPhaseMemory(log zerolog.Logger, phase []Node, budget int64) {
	assigned := make([]int64, len(phase))
	var sumMin int64
	for i, n := range phase {
		assigned[i] = n.base().MinimumMemory()
		sumMin += assigned[i]
	}
	residual := budget - sumMin
	if residual < 0 {
		log.Warn().
			Str("budget", humanize.IBytes(uint64(budget))).
			Str("minimum", humanize.IBytes(uint64(sumMin))).
			Msg("pipeline phase minimum memory exceeds budget")
		residual = 0
	}

	// Nodes still sharing the residual proportionally.
	open := make([]int, 0, len(phase))
	for i, n := range phase {
		if n.base().MemoryFraction() > 0 {
			open = append(open, i)
		}
	}
	for residual > 0 && len(open) > 0 {
		var fracSum float64
		for _, i := range open {
			fracSum += phase[i].base().MemoryFraction()
		}
		clamped := false
		next := open[:0]
		for _, i := range open {
			nb := phase[i].base()
			extra := int64(float64(residual) * nb.MemoryFraction() / fracSum)
			max := nb.MaximumMemory()
			if max > 0 && nb.MinimumMemory()+extra > max {
				// Fix this node at its maximum and redistribute
				// the remainder among the others.
				assigned[i] = max
				residual -= max - nb.MinimumMemory()
				clamped = true
				continue
			}
			next = append(next, i)
		}
		open = next
		if clamped {
			continue
		}
		// No clamp fired: hand out the final shares.
		var fracSumFinal float64
		for _, i := range open {
			fracSumFinal += phase[i].base().MemoryFraction()
		}
		for _, i := range open {
			nb := phase[i].base()
			assigned[i] = nb.MinimumMemory() +
				int64(float64(residual)*nb.MemoryFraction()/fracSumFinal)
		}
		break
	}

	for i, n := range phase {
		n.base().SetAvailableMemory(assigned[i])
		log.Debug().
			Str("node", n.base().name).
			Str("assigned", humanize.IBytes(uint64(assigned[i]))).
			Msg("assigned pipeline memory")
	}
}
