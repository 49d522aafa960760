// Package idcfg holds the persisted form of a probe-position CFG: a graph
// over bare probe ids tagged with the method's storage key and display name.
//
// On top of the graph sits the test-requirement engine. Requirements are
// derived once per loaded graph and then covered by executed paths for the
// lifetime of the process; coverage only ever accumulates.
package idcfg

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Benny93/probecov/internal/cfg"
	"github.com/Benny93/probecov/internal/graph"
)

// ProbeID is the identity-only projection of a probe position.
type ProbeID int

func (id ProbeID) String() string { return strconv.Itoa(int(id)) }

func probeIDKey(id ProbeID) ProbeID { return id }

// Graph is an ID-CFG.
type Graph struct {
	*graph.Graph[ProbeID, ProbeID]

	key  string
	name string

	// entered flips to true the first time a path is reported. Reads may be
	// stale; the flag is monotonic so a stale read only lags behind.
	entered atomic.Bool

	mu       sync.RWMutex
	nodeReqs map[ProbeID]*Requirement
	edgeReqs map[EdgeKey]*Requirement
	pairReqs map[PairKey]*Requirement

	diag *slog.Logger
}

// New creates an empty ID-CFG for the method with the given storage key and
// display name.
func New(key, name string) *Graph {
	return &Graph{
		Graph:    graph.New(probeIDKey),
		key:      key,
		name:     name,
		nodeReqs: make(map[ProbeID]*Requirement),
		edgeReqs: make(map[EdgeKey]*Requirement),
		pairReqs: make(map[PairKey]*Requirement),
		diag:     slog.Default(),
	}
}

// FromProbeCFG projects a probe-position CFG onto probe ids.
func FromProbeCFG(p *cfg.ProbeCFG, key, name string) *Graph {
	g := New(key, name)
	for _, pos := range p.Positions() {
		g.AddNode(ProbeID(pos.ID))
	}
	for _, e := range p.Edges() {
		g.AddEdge(ProbeID(e.Source), ProbeID(e.Target), e.Label)
	}
	if root, ok := p.Root(); ok {
		g.SetRoot(ProbeID(root.ID))
	}
	return g
}

// Key returns the storage key, e.g. "pkg.Name/3".
func (g *Graph) Key() string { return g.key }

// Name returns the display name, e.g. "pkg.Name/run(I)V".
func (g *Graph) Name() string { return g.name }

// Entered reports whether a path was ever reported for this method.
func (g *Graph) Entered() bool { return g.entered.Load() }

// MarkEntered sets the entered flag. It returns true on the first call.
func (g *Graph) MarkEntered() bool { return g.entered.CompareAndSwap(false, true) }

// SetLogger sets the diagnostic logger that receives coverage mismatches.
func (g *Graph) SetLogger(l *slog.Logger) {
	if l != nil {
		g.diag = l
	}
}

// uniqueEdges reports the first ordered pair carrying more than one edge.
func (g *Graph) uniqueEdges() error {
	seen := make(map[EdgeKey]bool, g.EdgeCount())
	for _, e := range g.Edges() {
		k := EdgeKey{From: e.Source, To: e.Target}
		if seen[k] {
			return fmt.Errorf("%w: %s: edge %s appears more than once", ErrNonUniqueEdges, g.key, k)
		}
		seen[k] = true
	}
	return nil
}

func (g *Graph) String() string {
	return fmt.Sprintf("%s (%s): %d nodes, %d edges", g.key, g.name, g.NodeCount(), g.EdgeCount())
}
