package idcfg

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// ErrNonUniqueEdges reports a graph with two edges between the same ordered
// pair of probes. Requirement bookkeeping needs at most one.
var ErrNonUniqueEdges = errors.New("idcfg: non-unique edges")

// Kind is the kind of a test requirement.
type Kind uint8

const (
	NodeRequirement Kind = iota
	EdgeRequirement
	EdgePairRequirement
)

func (k Kind) String() string {
	switch k {
	case NodeRequirement:
		return "node"
	case EdgeRequirement:
		return "edge"
	case EdgePairRequirement:
		return "edge-pair"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// EdgeKey identifies an edge requirement by its endpoints.
type EdgeKey struct {
	From ProbeID
	To   ProbeID
}

func (k EdgeKey) String() string { return fmt.Sprintf("(%d,%d)", k.From, k.To) }

// PairKey identifies an edge-pair requirement: First ends where Second starts.
type PairKey struct {
	First  EdgeKey
	Second EdgeKey
}

func (k PairKey) String() string { return fmt.Sprintf("{%s,%s}", k.First, k.Second) }

// Requirement is a coverage obligation. Its covered flag only goes from
// false to true.
type Requirement struct {
	covered atomic.Bool
}

// Covered reports whether the requirement was met. The read is unsynchronised
// with concurrent covering and may lag by one report.
func (r *Requirement) Covered() bool { return r.covered.Load() }

// cover marks the requirement covered and reports whether it was not before.
func (r *Requirement) cover() bool { return r.covered.CompareAndSwap(false, true) }

// UpdateTestRequirements derives the node, edge and edge-pair requirements
// from the current graph. Requirements that already exist keep their
// state. Edge pairs are every (incoming, outgoing) combination at a node.
func (g *Graph) UpdateTestRequirements() error {
	if err := g.uniqueEdges(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range g.Nodes() {
		putIfAbsent(g.nodeReqs, id)
	}

	for _, e := range g.Edges() {
		putIfAbsent(g.edgeReqs, EdgeKey{From: e.Source, To: e.Target})
	}

	for _, id := range g.Nodes() {
		outgoing := g.Outgoing(id)
		for _, in := range g.Incoming(id) {
			for _, out := range outgoing {
				putIfAbsent(g.pairReqs, PairKey{
					First:  EdgeKey{From: in.Source, To: in.Target},
					Second: EdgeKey{From: out.Source, To: out.Target},
				})
			}
		}
	}
	return nil
}

func putIfAbsent[K comparable](m map[K]*Requirement, k K) {
	if _, ok := m[k]; !ok {
		m[k] = &Requirement{}
	}
}

// Mismatch is a path element the graph has no requirement for.
type Mismatch struct {
	Kind     Kind
	Elements []ProbeID
}

func (m Mismatch) String() string {
	switch m.Kind {
	case NodeRequirement:
		return fmt.Sprintf("node %d", m.Elements[0])
	case EdgeRequirement:
		return fmt.Sprintf("edge (%d,%d)", m.Elements[0], m.Elements[1])
	default:
		return fmt.Sprintf("edge pair {(%d,%d),(%d,%d)}",
			m.Elements[0], m.Elements[1], m.Elements[1], m.Elements[2])
	}
}

// CoverResult summarises one CoverTestRequirements call.
type CoverResult struct {
	// Newly counts requirements this path covered for the first time.
	Newly int

	// Mismatches lists path elements that match no requirement.
	Mismatches []Mismatch
}

// CoverTestRequirements covers the requirements an executed path meets:
// every visited node, every consecutive pair as an edge and every
// consecutive triple as an edge pair. Elements the graph does not know are
// logged and skipped.
func (g *Graph) CoverTestRequirements(path Path) CoverResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var res CoverResult
	miss := func(kind Kind, elems ...ProbeID) {
		m := Mismatch{Kind: kind, Elements: elems}
		res.Mismatches = append(res.Mismatches, m)
		g.diag.Error("no requirement for path element",
			"key", g.key, "kind", kind.String(), "element", m.String())
	}

	for _, id := range path {
		r, ok := g.nodeReqs[id]
		if !ok {
			miss(NodeRequirement, id)
			continue
		}
		if r.cover() {
			res.Newly++
		}
	}

	for i := 1; i < len(path); i++ {
		r, ok := g.edgeReqs[EdgeKey{From: path[i-1], To: path[i]}]
		if !ok {
			miss(EdgeRequirement, path[i-1], path[i])
			continue
		}
		if r.cover() {
			res.Newly++
		}
	}

	for i := 2; i < len(path); i++ {
		k := PairKey{
			First:  EdgeKey{From: path[i-2], To: path[i-1]},
			Second: EdgeKey{From: path[i-1], To: path[i]},
		}
		r, ok := g.pairReqs[k]
		if !ok {
			miss(EdgePairRequirement, path[i-2], path[i-1], path[i])
			continue
		}
		if r.cover() {
			res.Newly++
		}
	}
	return res
}

// Coverage holds covered and total counts per requirement kind.
type Coverage struct {
	NodesCovered     int `json:"nodes_covered" msgpack:"nodes_covered"`
	TotalNodes       int `json:"total_nodes" msgpack:"total_nodes"`
	EdgesCovered     int `json:"edges_covered" msgpack:"edges_covered"`
	TotalEdges       int `json:"total_edges" msgpack:"total_edges"`
	EdgePairsCovered int `json:"edge_pairs_covered" msgpack:"edge_pairs_covered"`
	TotalEdgePairs   int `json:"total_edge_pairs" msgpack:"total_edge_pairs"`
}

func countCovered[K comparable](m map[K]*Requirement) int {
	n := 0
	for _, r := range m {
		if r.Covered() {
			n++
		}
	}
	return n
}

// CoverageInfo returns the current coverage counts.
func (g *Graph) CoverageInfo() Coverage {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return Coverage{
		NodesCovered:     countCovered(g.nodeReqs),
		TotalNodes:       len(g.nodeReqs),
		EdgesCovered:     countCovered(g.edgeReqs),
		TotalEdges:       len(g.edgeReqs),
		EdgePairsCovered: countCovered(g.pairReqs),
		TotalEdgePairs:   len(g.pairReqs),
	}
}

// Uncovered lists the requirements not yet covered, sorted.
func (g *Graph) Uncovered() (nodes []ProbeID, edges []EdgeKey, pairs []PairKey) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for k, r := range g.nodeReqs {
		if !r.Covered() {
			nodes = append(nodes, k)
		}
	}
	for k, r := range g.edgeReqs {
		if !r.Covered() {
			edges = append(edges, k)
		}
	}
	for k, r := range g.pairReqs {
		if !r.Covered() {
			pairs = append(pairs, k)
		}
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	sort.Slice(edges, func(i, j int) bool { return edgeLess(edges[i], edges[j]) })
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].First != pairs[j].First {
			return edgeLess(pairs[i].First, pairs[j].First)
		}
		return edgeLess(pairs[i].Second, pairs[j].Second)
	})
	return nodes, edges, pairs
}

func edgeLess(a, b EdgeKey) bool {
	if a.From != b.From {
		return a.From < b.From
	}
	return a.To < b.To
}
