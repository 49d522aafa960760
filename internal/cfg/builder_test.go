package cfg

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/probecov/internal/bytecode"
	"github.com/Benny93/probecov/internal/graph"
)

func op(index int, opcode string, targets ...int) bytecode.Instruction {
	instr := bytecode.Instruction{Index: index, Opcode: opcode, Kind: bytecode.KindOf(opcode), Targets: targets}
	instr.HasDefault = instr.IsSwitch() && len(targets) > 0
	return instr
}

func lbl(index int, name string) bytecode.Instruction {
	return bytecode.Instruction{Index: index, Opcode: name, Kind: bytecode.KindLabel}
}

func newMethod(instrs []bytecode.Instruction, handlers ...bytecode.Handler) *bytecode.Method {
	return &bytecode.Method{
		Class:        "pkg/Sample",
		Name:         "run",
		Descriptor:   "()V",
		Instructions: instrs,
		Handlers:     handlers,
	}
}

// branchMethod: LOAD, IF_GT->L1, ADD, GOTO L2, L1:, RETURN, L2:, RETURN
func branchMethod() *bytecode.Method {
	return newMethod([]bytecode.Instruction{
		op(0, "ILOAD"),
		op(1, "IFGT", 4),
		op(2, "IADD"),
		op(3, "GOTO", 6),
		lbl(4, "L1"),
		op(5, "IRETURN"),
		lbl(6, "L2"),
		op(7, "IRETURN"),
	})
}

// tryCatchMethod protects ALOAD, INVOKEVIRTUAL with a handler at L2.
func tryCatchMethod(handlers ...bytecode.Handler) *bytecode.Method {
	if len(handlers) == 0 {
		handlers = []bytecode.Handler{{Start: 0, End: 2, Handler: 5}}
	}
	return newMethod([]bytecode.Instruction{
		lbl(0, "L0"),
		op(1, "ALOAD"),
		op(2, "INVOKEVIRTUAL"),
		lbl(3, "L1"),
		op(4, "RETURN"),
		lbl(5, "L2"),
		op(6, "ASTORE"),
		op(7, "RETURN"),
	}, handlers...)
}

func edgeTriples(edges []graph.Edge[int]) [][3]int {
	result := make([][3]int, 0, len(edges))
	for _, e := range edges {
		result = append(result, [3]int{e.Source, e.Target, int(e.Label)})
	}
	return result
}

const (
	nf = int(graph.NormalFlow)
	xf = int(graph.ExceptionalFlow)
)

func TestBuildInstructionCFG(t *testing.T) {
	t.Parallel()

	icfg, err := BuildInstructionCFG(branchMethod())
	require.NoError(t, err)

	root, ok := icfg.Root()
	require.True(t, ok)
	assert.Equal(t, 0, root.Index)
	assert.Equal(t, 8, icfg.NodeCount())

	assert.Equal(t, [][3]int{
		{0, 1, nf},
		{1, 4, nf}, {1, 2, nf},
		{2, 3, nf},
		{3, 6, nf},
		{4, 5, nf},
		{6, 7, nf},
	}, edgeTriples(icfg.Edges()))

	assert.True(t, icfg.IsLeaf(5))
	assert.True(t, icfg.IsLeaf(7))
}

func TestBuildInstructionCFG_Switch(t *testing.T) {
	t.Parallel()

	m := newMethod([]bytecode.Instruction{
		op(0, "ILOAD"),
		op(1, "TABLESWITCH", 2, 4, 4),
		lbl(2, "A"),
		op(3, "ATHROW"),
		lbl(4, "B"),
		op(5, "RETURN"),
	})
	icfg, err := BuildInstructionCFG(m)
	require.NoError(t, err)

	// Duplicate targets are kept at this stage; no fall-through.
	assert.Equal(t, [][3]int{{1, 2, nf}, {1, 4, nf}, {1, 4, nf}}, edgeTriples(icfg.Outgoing(1)))
	assert.True(t, icfg.IsLeaf(3))
}

func TestBuildInstructionCFG_Errors(t *testing.T) {
	t.Parallel()

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		_, err := BuildInstructionCFG(newMethod(nil))
		assert.ErrorIs(t, err, ErrStructure)
	})

	t.Run("UnknownTarget", func(t *testing.T) {
		t.Parallel()
		_, err := BuildInstructionCFG(newMethod([]bytecode.Instruction{
			op(0, "GOTO", 9),
			op(1, "RETURN"),
		}))
		assert.ErrorIs(t, err, ErrStructure)
	})
}

func blockRanges(c *BlockCFG) [][2]int {
	var result [][2]int
	for _, b := range c.Nodes() {
		result = append(result, [2]int{b.Start(), b.End()})
	}
	return result
}

func TestBuildBlockCFG_Branch(t *testing.T) {
	t.Parallel()

	bcfg, err := BuildBlockCFG(branchMethod(), true)
	require.NoError(t, err)

	assert.Equal(t, [][2]int{{0, 1}, {2, 3}, {4, 5}, {6, 7}}, blockRanges(bcfg))

	// True branch and fall-through leave block 0.
	assert.Equal(t, [][3]int{{0, 2, nf}, {0, 1, nf}}, edgeTriples(bcfg.Outgoing(0)))
	assert.Equal(t, [][3]int{{1, 3, nf}}, edgeTriples(bcfg.Outgoing(1)))
	assert.True(t, bcfg.IsLeaf(2))
	assert.True(t, bcfg.IsLeaf(3))

	root, ok := bcfg.Root()
	require.True(t, ok)
	assert.Equal(t, 0, root.ID)
}

func TestBuildBlockCFG_Handlers(t *testing.T) {
	t.Parallel()

	t.Run("WithExceptionalEdges", func(t *testing.T) {
		t.Parallel()
		bcfg, err := BuildBlockCFG(tryCatchMethod(), true)
		require.NoError(t, err)

		assert.Equal(t, [][2]int{{0, 2}, {3, 4}, {5, 7}}, blockRanges(bcfg))
		assert.Equal(t, [][3]int{{0, 1, nf}, {0, 2, xf}}, edgeTriples(bcfg.Edges()))
		assert.True(t, bcfg.HasExceptionalExit(0))
		assert.False(t, bcfg.HasExceptionalExit(1))
		assert.Equal(t, []int{2}, bcfg.Successors(0, graph.ExceptionalFlow))
	})

	t.Run("WithoutExceptionalEdges", func(t *testing.T) {
		t.Parallel()
		bcfg, err := BuildBlockCFG(tryCatchMethod(), false)
		require.NoError(t, err)

		assert.Equal(t, [][3]int{{0, 1, nf}}, edgeTriples(bcfg.Edges()))
		assert.False(t, bcfg.HasExceptionalExit(0))
	})

	t.Run("RangeSplitsBlock", func(t *testing.T) {
		t.Parallel()
		m := tryCatchMethod(bytecode.Handler{Start: 0, End: 1, Handler: 5})
		_, err := BuildBlockCFG(m, true)
		assert.ErrorIs(t, err, ErrStructure)

		// The range is only checked when handler edges are built.
		_, err = BuildBlockCFG(m, false)
		assert.NoError(t, err)
	})

	t.Run("HandlerOutsideMethod", func(t *testing.T) {
		t.Parallel()
		m := tryCatchMethod(bytecode.Handler{Start: 0, End: 2, Handler: 42})
		_, err := BuildBlockCFG(m, true)
		assert.ErrorIs(t, err, ErrStructure)
	})
}

func TestBuildBlockCFG_TrailingLabel(t *testing.T) {
	t.Parallel()

	m := newMethod([]bytecode.Instruction{
		op(0, "GOTO", 2),
		op(1, "RETURN"),
		lbl(2, "L"),
	})
	_, err := BuildBlockCFG(m, false)
	assert.ErrorIs(t, err, ErrStructure)
}

func probeSummary(c *ProbeCFG) [][4]int {
	var result [][4]int
	for _, p := range c.Positions() {
		flags := 0
		if p.Entry {
			flags |= 1
		}
		if p.Exit {
			flags |= 2
		}
		result = append(result, [4]int{p.ID, p.Block, p.Instruction.Index, flags})
	}
	return result
}

const (
	entryOnly = 1
	exitOnly  = 2
	entryExit = 3
)

func TestBuildProbeCFG_Branch(t *testing.T) {
	t.Parallel()

	pcfg, err := BuildProbeCFG(branchMethod(), DefaultProbeOptions())
	require.NoError(t, err)

	// No handlers: one exit probe per block.
	assert.Equal(t, [][4]int{
		{0, 0, 1, exitOnly},
		{1, 1, 3, exitOnly},
		{2, 2, 5, exitOnly},
		{3, 3, 7, exitOnly},
	}, probeSummary(pcfg))
	assert.Equal(t, pcfg.Blocks().NodeCount(), pcfg.NodeCount())

	assert.Equal(t, [][3]int{{0, 2, nf}, {0, 1, nf}, {1, 3, nf}}, edgeTriples(pcfg.Edges()))

	root, ok := pcfg.Root()
	require.True(t, ok)
	assert.Equal(t, 0, root.ID)
}

func TestBuildProbeCFG_SplitProbes(t *testing.T) {
	t.Parallel()

	pcfg, err := BuildProbeCFG(tryCatchMethod(), DefaultProbeOptions())
	require.NoError(t, err)

	assert.Equal(t, [][4]int{
		{0, 0, 1, entryOnly},
		{1, 0, 2, exitOnly},
		{2, 1, 4, exitOnly},
		{3, 2, 7, exitOnly},
	}, probeSummary(pcfg))

	assert.Equal(t, [][3]int{
		{0, 1, nf},
		{0, 3, xf},
		{1, 2, nf},
	}, edgeTriples(pcfg.Edges()))

	root, _ := pcfg.Root()
	assert.Equal(t, 0, root.ID)
	assert.True(t, root.Entry)
}

func TestBuildProbeCFG_ExitOnlyModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts ProbeOptions
	}{
		{"NoExceptionalEdges", ProbeOptions{ExceptionalEdges: false, SplitProbes: true}},
		{"NoSplitProbes", ProbeOptions{ExceptionalEdges: true, SplitProbes: false}},
		{"Neither", ProbeOptions{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pcfg, err := BuildProbeCFG(tryCatchMethod(), tt.opts)
			require.NoError(t, err)

			assert.Equal(t, [][4]int{
				{0, 0, 2, exitOnly},
				{1, 1, 4, exitOnly},
				{2, 2, 7, exitOnly},
			}, probeSummary(pcfg))

			// The exit of block 0 is an invoke, which never originates a
			// handler edge.
			assert.Equal(t, [][3]int{{0, 1, nf}}, edgeTriples(pcfg.Edges()))
		})
	}
}

func TestBuildProbeCFG_EntryExitProbe(t *testing.T) {
	t.Parallel()

	m := newMethod([]bytecode.Instruction{
		lbl(0, "L0"),
		op(1, "ATHROW"),
		lbl(2, "L1"),
		lbl(3, "L2"),
		op(4, "RETURN"),
	}, bytecode.Handler{Start: 0, End: 1, Handler: 3})

	pcfg, err := BuildProbeCFG(m, DefaultProbeOptions())
	require.NoError(t, err)

	assert.Equal(t, [][4]int{
		{0, 0, 1, entryExit},
		{1, 1, 4, exitOnly},
	}, probeSummary(pcfg))
	assert.Equal(t, [][3]int{{0, 1, xf}}, edgeTriples(pcfg.Edges()))
}

func TestBuildProbeCFG_ReturnExitRaises(t *testing.T) {
	t.Parallel()

	// A protected block ending in a return gets a handler edge from its exit.
	m := newMethod([]bytecode.Instruction{
		lbl(0, "L0"),
		op(1, "ILOAD"),
		op(2, "IRETURN"),
		lbl(3, "L1"),
		op(4, "ATHROW"),
	}, bytecode.Handler{Start: 0, End: 2, Handler: 3})

	pcfg, err := BuildProbeCFG(m, ProbeOptions{ExceptionalEdges: true, SplitProbes: false})
	require.NoError(t, err)

	assert.Equal(t, [][3]int{{0, 1, xf}}, edgeTriples(pcfg.Edges()))
}

func TestBuildProbeCFG_Reduction(t *testing.T) {
	t.Parallel()

	t.Run("NormalWins", func(t *testing.T) {
		t.Parallel()
		// The handler block is also the fall-through successor.
		m := newMethod([]bytecode.Instruction{
			lbl(0, "L0"),
			op(1, "ICONST_0"),
			lbl(2, "L1"),
			op(3, "RETURN"),
		}, bytecode.Handler{Start: 0, End: 1, Handler: 2})

		bcfg, err := BuildBlockCFG(m, true)
		require.NoError(t, err)
		assert.Equal(t, [][3]int{{0, 1, nf}, {0, 1, xf}}, edgeTriples(bcfg.Edges()))

		pcfg, err := BuildProbeCFG(m, DefaultProbeOptions())
		require.NoError(t, err)
		assert.Equal(t, [][4]int{{0, 0, 1, entryExit}, {1, 1, 3, exitOnly}}, probeSummary(pcfg))
		assert.Equal(t, [][3]int{{0, 1, nf}}, edgeTriples(pcfg.Edges()))
	})

	t.Run("ExceptionalCollapse", func(t *testing.T) {
		t.Parallel()
		h := bytecode.Handler{Start: 0, End: 2, Handler: 5}
		m := tryCatchMethod(h, h)

		bcfg, err := BuildBlockCFG(m, true)
		require.NoError(t, err)
		assert.Len(t, bcfg.Successors(0, graph.ExceptionalFlow), 2)

		pcfg, err := BuildProbeCFG(m, DefaultProbeOptions())
		require.NoError(t, err)
		assert.Equal(t, [][3]int{{0, 1, nf}, {0, 3, xf}, {1, 2, nf}}, edgeTriples(pcfg.Edges()))
	})
}

func TestNewProbePosition(t *testing.T) {
	t.Parallel()

	_, err := NewProbePosition(0, 0, op(0, "NOP"), false, false)
	assert.ErrorIs(t, err, ErrStructure)

	p, err := NewProbePosition(3, 1, op(5, "NOP"), true, true)
	require.NoError(t, err)
	assert.Equal(t, "p3@#5(entry exit)", p.String())
}

// randomMethod generates a well-formed method: labels are branch targets,
// the last instruction is a return, and handler ranges start at labels.
func randomMethod(r *rand.Rand) *bytecode.Method {
	size := 2 + r.Intn(24)
	instrs := make([]bytecode.Instruction, size)
	var labels []int
	for i := 0; i < size-1; i++ {
		if r.Intn(5) == 0 {
			instrs[i] = lbl(i, "L")
			labels = append(labels, i)
			continue
		}
		opcodes := []string{"NOP", "IADD", "IFEQ", "GOTO", "LOOKUPSWITCH", "IRETURN", "ATHROW"}
		instrs[i] = op(i, opcodes[r.Intn(len(opcodes))])
	}
	instrs[size-1] = op(size-1, "RETURN")

	for i := range instrs {
		if !instrs[i].IsBranch() {
			continue
		}
		if len(labels) == 0 {
			instrs[i] = op(i, "NOP")
			continue
		}
		for k := 0; k <= r.Intn(3); k++ {
			instrs[i].Targets = append(instrs[i].Targets, labels[r.Intn(len(labels))])
		}
	}

	var handlers []bytecode.Handler
	for k := 0; len(labels) > 0 && k < r.Intn(3); k++ {
		start := labels[r.Intn(len(labels))]
		end := start + 1 + r.Intn(size-start-1)
		for end < size && instrs[end].IsLabel() {
			end++
		}
		if end >= size {
			continue
		}
		handlers = append(handlers, bytecode.Handler{Start: start, End: end, Handler: labels[r.Intn(len(labels))]})
	}

	return newMethod(instrs, handlers...)
}

func TestBuildBlockCFG_PartitionTotality(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(42))
	for iter := 0; iter < 500; iter++ {
		m := randomMethod(r)

		bcfg, err := BuildBlockCFG(m, false)
		require.NoError(t, err, "iteration %d", iter)

		var covered []bytecode.Instruction
		for id, b := range bcfg.Nodes() {
			require.Equal(t, id, b.ID)
			require.NotEmpty(t, b.Instructions())
			require.False(t, b.Last().IsLabel())
			covered = append(covered, b.Instructions()...)
		}
		require.Equal(t, m.Instructions, covered, "iteration %d", iter)
	}
}

func TestBuildProbeCFG_EdgeUniqueness(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(7))
	built := 0
	for iter := 0; iter < 500; iter++ {
		m := randomMethod(r)

		pcfg, err := BuildProbeCFG(m, DefaultProbeOptions())
		if err != nil {
			// Random handler ranges may split blocks.
			require.ErrorIs(t, err, ErrStructure)
			continue
		}
		built++

		seen := make(map[[2]int]bool)
		for _, e := range pcfg.Edges() {
			require.False(t, seen[e.Pair()], "iteration %d: duplicate edge %v", iter, e.Pair())
			seen[e.Pair()] = true
		}

		_, ok := pcfg.Root()
		require.True(t, ok)
		for _, p := range pcfg.Positions() {
			require.True(t, p.Entry || p.Exit)
		}
	}
	assert.Positive(t, built)
}
