// Package graph provides the in-memory directed graph used by every CFG stage.
//
// Nodes live in an arena and are addressed by stable integer handles; lookups
// go through a key derived from the payload (instruction index, block id or
// probe id), so two payloads with the same key are the same vertex. Node and
// edge enumeration follows insertion order, which keeps every rendering and
// every persisted file deterministic.
package graph

import "fmt"

// Graph is a mutable directed graph with payload N keyed by K.
//
// Graph is not safe for concurrent mutation. CFGs are built once by a single
// goroutine and only read afterwards.
type Graph[K comparable, N any] struct {
	keyOf func(N) K

	// Arena: handle -> payload / outgoing edges.
	nodes    []N
	outgoing [][]Edge[K]
	handles  map[K]int

	root    K
	hasRoot bool
}

// New creates an empty graph whose node identity is keyOf(payload).
func New[K comparable, N any](keyOf func(N) K) *Graph[K, N] {
	return &Graph[K, N]{
		keyOf:   keyOf,
		handles: make(map[K]int),
	}
}

// NodeCount returns the number of nodes.
func (g *Graph[K, N]) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges, parallel edges included.
func (g *Graph[K, N]) EdgeCount() int {
	count := 0
	for _, out := range g.outgoing {
		count += len(out)
	}
	return count
}

// AddNode inserts the node if no node with the same key exists.
// Returns true if the node was inserted.
func (g *Graph[K, N]) AddNode(node N) bool {
	key := g.keyOf(node)
	if _, ok := g.handles[key]; ok {
		return false
	}
	g.handles[key] = len(g.nodes)
	g.nodes = append(g.nodes, node)
	g.outgoing = append(g.outgoing, nil)
	return true
}

// AddEdge adds a labelled edge, inserting either endpoint if it is absent.
// Parallel edges between the same ordered pair are kept.
func (g *Graph[K, N]) AddEdge(source, target N, label FlowLabel) {
	g.AddNode(source)
	g.AddNode(target)

	src := g.keyOf(source)
	h := g.handles[src]
	g.outgoing[h] = append(g.outgoing[h], Edge[K]{
		Source: src,
		Target: g.keyOf(target),
		Label:  label,
	})
}

// HasNode reports whether a node with the given key exists.
func (g *Graph[K, N]) HasNode(key K) bool {
	_, ok := g.handles[key]
	return ok
}

// Node returns the payload stored under key.
func (g *Graph[K, N]) Node(key K) (N, bool) {
	h, ok := g.handles[key]
	if !ok {
		var zero N
		return zero, false
	}
	return g.nodes[h], true
}

// SetRoot marks the node with the given key as the graph root.
// The node must already exist.
func (g *Graph[K, N]) SetRoot(key K) {
	g.mustHandle(key)
	g.root = key
	g.hasRoot = true
}

// Root returns the root payload, if one was set.
func (g *Graph[K, N]) Root() (N, bool) {
	if !g.hasRoot {
		var zero N
		return zero, false
	}
	return g.Node(g.root)
}

// Nodes returns all payloads in insertion order.
func (g *Graph[K, N]) Nodes() []N {
	result := make([]N, len(g.nodes))
	copy(result, g.nodes)
	return result
}

// Edges returns all edges, grouped by source in node insertion order.
func (g *Graph[K, N]) Edges() []Edge[K] {
	result := make([]Edge[K], 0, g.EdgeCount())
	for _, out := range g.outgoing {
		result = append(result, out...)
	}
	return result
}

// Outgoing returns the edges leaving key. It panics if key is not a node.
func (g *Graph[K, N]) Outgoing(key K) []Edge[K] {
	out := g.outgoing[g.mustHandle(key)]
	result := make([]Edge[K], len(out))
	copy(result, out)
	return result
}

// Incoming returns the edges entering key.
// It scans every edge; graphs are built once, so O(E) per call is acceptable.
func (g *Graph[K, N]) Incoming(key K) []Edge[K] {
	var result []Edge[K]
	for _, out := range g.outgoing {
		for _, e := range out {
			if e.Target == key {
				result = append(result, e)
			}
		}
	}
	return result
}

// IsLeaf reports whether key has no outgoing edges. It panics if key is not a node.
func (g *Graph[K, N]) IsLeaf(key K) bool {
	return len(g.outgoing[g.mustHandle(key)]) == 0
}

// mustHandle resolves a key to its arena handle.
// Looking up an unregistered node is a programming error.
func (g *Graph[K, N]) mustHandle(key K) int {
	h, ok := g.handles[key]
	if !ok {
		panic(fmt.Sprintf("graph: node %v does not exist", key))
	}
	return h
}
