package cfg

import (
	"fmt"

	"github.com/Benny93/probecov/internal/bytecode"
	"github.com/Benny93/probecov/internal/graph"
)

func instructionKey(i bytecode.Instruction) int { return i.Index }
func blockKey(b BasicBlock) int                 { return b.ID }
func probeKey(p ProbePosition) int              { return p.ID }

// BuildInstructionCFG builds the instruction-level CFG of m. The root is the
// first instruction and every edge is a normal-flow edge.
func BuildInstructionCFG(m *bytecode.Method) (*InstructionCFG, error) {
	instrs := m.Instructions
	if len(instrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no instructions", ErrStructure, m.DisplayName())
	}

	positions := make(map[int]int, len(instrs))
	g := graph.New(instructionKey)
	for pos, instr := range instrs {
		positions[instr.Index] = pos
		g.AddNode(instr)
	}
	g.SetRoot(instrs[0].Index)

	addTargets := func(instr bytecode.Instruction) error {
		for _, t := range instr.Targets {
			pos, ok := positions[t]
			if !ok {
				return fmt.Errorf("%w: %s: #%d branches to unknown instruction #%d",
					ErrStructure, m.DisplayName(), instr.Index, t)
			}
			g.AddEdge(instr, instrs[pos], graph.NormalFlow)
		}
		return nil
	}

	for pos, instr := range instrs {
		hasNext := pos+1 < len(instrs)

		switch {
		case instr.IsConditionalBranch():
			if err := addTargets(instr); err != nil {
				return nil, err
			}
			if hasNext {
				g.AddEdge(instr, instrs[pos+1], graph.NormalFlow)
			}
		case instr.IsUnconditionalJump(), instr.IsSwitch():
			if err := addTargets(instr); err != nil {
				return nil, err
			}
		case instr.IsReturn(), instr.IsThrow():
		default:
			if hasNext {
				g.AddEdge(instr, instrs[pos+1], graph.NormalFlow)
			}
		}
	}

	return &InstructionCFG{Graph: g, method: m}, nil
}

// partition splits the instruction list into basic blocks. A block starts
// at a label or right after a block-ending instruction and ends right before
// the next label or at the next block-ending instruction.
func partition(m *bytecode.Method) ([]BasicBlock, error) {
	instrs := m.Instructions
	n := len(instrs)

	var blocks []BasicBlock
	for start := 0; start < n; {
		first := start
		for first < n && instrs[first].IsLabel() {
			first++
		}
		if first == n {
			return nil, fmt.Errorf("%w: %s: label #%d is not followed by an instruction",
				ErrStructure, m.DisplayName(), instrs[start].Index)
		}

		nextLabel := n
		for i := first; i < n; i++ {
			if instrs[i].IsLabel() {
				nextLabel = i
				break
			}
		}
		nextEnd := n
		for i := first; i < n; i++ {
			if instrs[i].EndsBlock() {
				nextEnd = i
				break
			}
		}

		end := n - 1
		if nextLabel < n || nextEnd < n {
			end = min(nextLabel-1, nextEnd)
		}

		blocks = append(blocks, BasicBlock{ID: len(blocks), instrs: instrs[start : end+1]})
		start = end + 1
	}
	return blocks, nil
}

// ownerOf returns the single block containing the instruction index.
func ownerOf(m *bytecode.Method, blocks []BasicBlock, index int) (BasicBlock, error) {
	var (
		owner BasicBlock
		count int
	)
	for _, b := range blocks {
		if b.Contains(index) {
			owner = b
			count++
		}
	}
	switch count {
	case 1:
		return owner, nil
	case 0:
		return BasicBlock{}, fmt.Errorf("%w: %s: no basic block holds #%d", ErrStructure, m.DisplayName(), index)
	default:
		return BasicBlock{}, fmt.Errorf("%w: %s: %d basic blocks hold #%d", ErrStructure, m.DisplayName(), count, index)
	}
}

// blocksInRange returns the blocks lying inside the handler range. A block
// that starts inside the range but ends after it means the range splits the
// block, which is an error.
func blocksInRange(m *bytecode.Method, blocks []BasicBlock, h bytecode.Handler) ([]BasicBlock, error) {
	var result []BasicBlock
	for _, b := range blocks {
		if b.Start() < h.Start || b.Start() > h.End {
			continue
		}
		if b.End() > h.End {
			return nil, fmt.Errorf("%w: %s: handler range [#%d, #%d] splits %s",
				ErrStructure, m.DisplayName(), h.Start, h.End, b)
		}
		result = append(result, b)
	}
	return result, nil
}

// BuildBlockCFG builds the basic-block CFG of m. Normal edges follow the
// instruction-level edges leaving each block's last instruction. When
// exceptional is set, each block inside a handler range gets an exceptional
// edge to the handler's block.
func BuildBlockCFG(m *bytecode.Method, exceptional bool) (*BlockCFG, error) {
	icfg, err := BuildInstructionCFG(m)
	if err != nil {
		return nil, err
	}

	blocks, err := partition(m)
	if err != nil {
		return nil, err
	}

	g := graph.New(blockKey)
	for _, b := range blocks {
		g.AddNode(b)
	}
	g.SetRoot(blocks[0].ID)

	for _, b := range blocks {
		for _, e := range icfg.Outgoing(b.End()) {
			dst, err := ownerOf(m, blocks, e.Target)
			if err != nil {
				return nil, err
			}
			g.AddEdge(b, dst, graph.NormalFlow)
		}
	}

	if exceptional {
		for _, h := range m.Handlers {
			inRange, err := blocksInRange(m, blocks, h)
			if err != nil {
				return nil, err
			}
			handler, err := ownerOf(m, blocks, h.Handler)
			if err != nil {
				return nil, err
			}
			for _, b := range inRange {
				g.AddEdge(b, handler, graph.ExceptionalFlow)
			}
		}
	}

	return &BlockCFG{Graph: g, method: m}, nil
}

// BuildProbeCFG builds the probe-position CFG of m.
//
// Each block gets an exit probe at its last instruction. Blocks with an
// exceptional exit also get an entry probe when split probes are enabled;
// a single-instruction block merges both into one entry+exit probe. Parallel
// edges are reduced to one edge per ordered pair, normal flow winning.
func BuildProbeCFG(m *bytecode.Method, opts ProbeOptions) (*ProbeCFG, error) {
	bcfg, err := BuildBlockCFG(m, opts.ExceptionalEdges)
	if err != nil {
		return nil, err
	}

	staged := graph.New(probeKey)
	var (
		positions []ProbePosition
		entries   = make(map[int]ProbePosition)
		exits     = make(map[int]ProbePosition)
	)
	add := func(b BasicBlock, instr bytecode.Instruction, entry, exit bool) (ProbePosition, error) {
		p, err := NewProbePosition(len(positions), b.ID, instr, entry, exit)
		if err != nil {
			return ProbePosition{}, err
		}
		positions = append(positions, p)
		staged.AddNode(p)
		if entry {
			entries[b.ID] = p
		}
		if exit {
			exits[b.ID] = p
		}
		return p, nil
	}

	for _, b := range bcfg.Nodes() {
		last := b.Last()
		if last.IsLabel() {
			return nil, fmt.Errorf("%w: %s: %s ends with a label", ErrStructure, m.DisplayName(), b)
		}

		split := opts.ExceptionalEdges && opts.SplitProbes && bcfg.HasExceptionalExit(b.ID)
		switch first := b.First(); {
		case !split:
			if _, err := add(b, last, false, true); err != nil {
				return nil, err
			}
		case first.Index == last.Index:
			if _, err := add(b, last, true, true); err != nil {
				return nil, err
			}
		default:
			entry, err := add(b, first, true, false)
			if err != nil {
				return nil, err
			}
			exit, err := add(b, last, false, true)
			if err != nil {
				return nil, err
			}
			staged.AddEdge(entry, exit, graph.NormalFlow)
		}
	}

	root, ok := entries[0]
	if !ok {
		if root, ok = exits[0]; !ok {
			return nil, fmt.Errorf("%w: %s: bb_0 has no probe position", ErrStructure, m.DisplayName())
		}
	}
	staged.SetRoot(root.ID)

	// landing returns the probe a transfer into block id arrives at.
	landing := func(id int) (ProbePosition, error) {
		if p, ok := entries[id]; ok {
			return p, nil
		}
		if p, ok := exits[id]; ok {
			return p, nil
		}
		return ProbePosition{}, fmt.Errorf("%w: %s: bb_%d has no probe position", ErrStructure, m.DisplayName(), id)
	}
	connect := func(p ProbePosition, label graph.FlowLabel) error {
		for _, id := range bcfg.Successors(p.Block, label) {
			dst, err := landing(id)
			if err != nil {
				return err
			}
			staged.AddEdge(p, dst, label)
		}
		return nil
	}

	for _, p := range positions {
		if !p.Exit {
			continue
		}
		if err := connect(p, graph.NormalFlow); err != nil {
			return nil, err
		}
	}

	if opts.ExceptionalEdges {
		// Branch exits never raise; only returns and throws can.
		for _, p := range positions {
			raises := p.Exit && (p.Instruction.IsReturn() || p.Instruction.IsThrow())
			if !p.Entry && !raises {
				continue
			}
			if err := connect(p, graph.ExceptionalFlow); err != nil {
				return nil, err
			}
		}
	}

	return &ProbeCFG{Graph: reduceEdges(staged), blocks: bcfg}, nil
}

// reduceEdges returns a copy of g with one edge per ordered pair. A pair
// with at least one normal edge keeps a normal edge, otherwise an
// exceptional one. Pairs keep the order of their first edge.
func reduceEdges(g *graph.Graph[int, ProbePosition]) *graph.Graph[int, ProbePosition] {
	unique := graph.New(probeKey)
	for _, p := range g.Nodes() {
		unique.AddNode(p)
	}
	if root, ok := g.Root(); ok {
		unique.SetRoot(root.ID)
	}

	var order [][2]int
	labels := make(map[[2]int]graph.FlowLabel)
	for _, e := range g.Edges() {
		pair := e.Pair()
		current, seen := labels[pair]
		if !seen {
			order = append(order, pair)
			labels[pair] = e.Label
			continue
		}
		switch e.Label {
		case graph.NormalFlow:
			labels[pair] = graph.NormalFlow
		case graph.ExceptionalFlow:
			labels[pair] = current
		}
	}

	for _, pair := range order {
		src, _ := g.Node(pair[0])
		dst, _ := g.Node(pair[1])
		unique.AddEdge(src, dst, labels[pair])
	}
	return unique
}
