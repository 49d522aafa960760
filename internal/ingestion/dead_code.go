package ingestion

import (
	"github.com/Benny93/probecov/internal/idcfg"
)

// DeadProbes returns the probes of g that no path from the root reaches,
// following normal and exceptional edges, in insertion order.
//
// Such probes sit in blocks no branch, fall-through or handler leads to,
// e.g. code after an unconditional jump. Their requirements can never be
// covered, so the build reports them.
func DeadProbes(g *idcfg.Graph) []idcfg.ProbeID {
	root, ok := g.Root()
	if !ok {
		return nil
	}

	reached := map[idcfg.ProbeID]bool{root: true}
	stack := []idcfg.ProbeID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, e := range g.Outgoing(id) {
			if !reached[e.Target] {
				reached[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}

	var dead []idcfg.ProbeID
	for _, id := range g.Nodes() {
		if !reached[id] {
			dead = append(dead, id)
		}
	}
	return dead
}
