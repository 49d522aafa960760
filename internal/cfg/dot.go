package cfg

import (
	"fmt"
	"html"
	"strings"

	"github.com/Benny93/probecov/internal/graph"
)

// dotWriter accumulates a Graphviz document.
type dotWriter struct {
	sb        strings.Builder
	connected map[string]bool
}

func newDotWriter(name string) *dotWriter {
	w := &dotWriter{connected: make(map[string]bool)}
	fmt.Fprintf(&w.sb, "digraph %q {\n", name)
	w.sb.WriteString("  graph [rankdir=\"TB\", ranksep=\"0.4\", nodesep=\"0.2\"];\n")
	w.sb.WriteString("  node [fontname=\"Helvetica\", fontsize=\"12.0\", shape=\"box\"];\n")
	w.sb.WriteString("  edge [fontname=\"Helvetica\", fontsize=\"12.0\"];\n")
	w.sb.WriteString("  \"\" [shape=\"point\", height=\"0.1\"];\n")
	return w
}

func (w *dotWriter) node(indent, id string, lines ...string) {
	escaped := make([]string, len(lines))
	for i, l := range lines {
		escaped[i] = html.EscapeString(l)
	}
	fmt.Fprintf(&w.sb, "%s%q [label=<%s>];\n", indent, id, strings.Join(escaped, "<br/>"))
}

func (w *dotWriter) root(id string) {
	fmt.Fprintf(&w.sb, "  \"\" -> %q;\n", id)
	w.connected[id] = true
}

func (w *dotWriter) edge(src, dst string, label graph.FlowLabel) {
	switch label {
	case graph.NormalFlow:
		fmt.Fprintf(&w.sb, "  %q -> %q;\n", src, dst)
	case graph.ExceptionalFlow:
		fmt.Fprintf(&w.sb, "  %q -> %q [color=\"red\"];\n", src, dst)
	}
	w.connected[src] = true
	w.connected[dst] = true
}

// finish notes nodes that no edge touches and closes the document.
func (w *dotWriter) finish(ids []string) string {
	for _, id := range ids {
		if !w.connected[id] {
			fmt.Fprintf(&w.sb, "  // %s has no edges\n", id)
		}
	}
	w.sb.WriteString("}\n")
	return w.sb.String()
}

func instructionID(index int) string { return fmt.Sprintf("i%d", index) }
func blockID(id int) string          { return fmt.Sprintf("bb%d", id) }
func probeID(id int) string          { return fmt.Sprintf("p%d", id) }

// DOT renders the instruction CFG in Graphviz format.
func (c *InstructionCFG) DOT() string {
	w := newDotWriter(c.method.DisplayName())

	var ids []string
	for _, instr := range c.Nodes() {
		id := instructionID(instr.Index)
		ids = append(ids, id)
		w.node("  ", id, fmt.Sprintf("#%d: %s", instr.Index, instr))
	}
	if root, ok := c.Root(); ok {
		w.root(instructionID(root.Index))
	}
	for _, e := range c.Edges() {
		w.edge(instructionID(e.Source), instructionID(e.Target), e.Label)
	}
	return w.finish(ids)
}

// DOT renders the basic-block CFG in Graphviz format, one node per block
// listing its instructions.
func (c *BlockCFG) DOT() string {
	w := newDotWriter(c.method.DisplayName())

	var ids []string
	for _, b := range c.Nodes() {
		id := blockID(b.ID)
		ids = append(ids, id)
		lines := []string{fmt.Sprintf("bb_%d", b.ID)}
		for _, instr := range b.Instructions() {
			lines = append(lines, fmt.Sprintf("#%d: %s", instr.Index, instr))
		}
		w.node("  ", id, lines...)
	}
	if root, ok := c.Root(); ok {
		w.root(blockID(root.ID))
	}
	for _, e := range c.Edges() {
		w.edge(blockID(e.Source), blockID(e.Target), e.Label)
	}
	return w.finish(ids)
}

// DOT renders the probe-position CFG in Graphviz format with one cluster per
// basic block.
func (c *ProbeCFG) DOT() string {
	w := newDotWriter(c.Method().DisplayName())

	byBlock := make(map[int][]ProbePosition)
	for _, p := range c.Positions() {
		byBlock[p.Block] = append(byBlock[p.Block], p)
	}

	var ids []string
	for _, b := range c.blocks.Nodes() {
		probes := byBlock[b.ID]
		if len(probes) == 0 {
			continue
		}
		fmt.Fprintf(&w.sb, "  subgraph cluster_%d {\n", b.ID)
		fmt.Fprintf(&w.sb, "    label=\"bb_%d\";\n", b.ID)
		for _, p := range probes {
			id := probeID(p.ID)
			ids = append(ids, id)
			w.node("    ", id, fmt.Sprintf("p%d #%d: %s", p.ID, p.Instruction.Index, p.Instruction), p.flags())
		}
		w.sb.WriteString("  }\n")
	}

	if root, ok := c.Root(); ok {
		w.root(probeID(root.ID))
	}
	for _, e := range c.Edges() {
		w.edge(probeID(e.Source), probeID(e.Target), e.Label)
	}
	return w.finish(ids)
}
