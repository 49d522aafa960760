// Package cfg builds the three control-flow graph stages of a method:
// the instruction CFG, the basic-block CFG and the probe-position CFG.
//
// Every stage is built once from a bytecode.Method and is read-only
// afterwards. Structural problems in the input (a branch to a missing
// instruction, a handler range splitting a block, a block without an owner)
// are returned as errors wrapping ErrStructure.
package cfg

import (
	"errors"
	"fmt"

	"github.com/Benny93/probecov/internal/bytecode"
	"github.com/Benny93/probecov/internal/graph"
)

// ErrStructure reports a broken structural invariant while building a CFG.
var ErrStructure = errors.New("cfg: structural inconsistency")

// InstructionCFG is the instruction-level CFG, keyed by instruction index.
type InstructionCFG struct {
	*graph.Graph[int, bytecode.Instruction]

	method *bytecode.Method
}

// Method returns the method the graph was built from.
func (c *InstructionCFG) Method() *bytecode.Method { return c.method }

// BasicBlock is a non-empty contiguous run of a method's instructions.
// It borrows the instructions from the method.
type BasicBlock struct {
	ID int

	instrs []bytecode.Instruction
}

// Instructions returns the block's instructions, leading labels included.
func (b BasicBlock) Instructions() []bytecode.Instruction { return b.instrs }

// Start returns the index of the block's first instruction.
func (b BasicBlock) Start() int { return b.instrs[0].Index }

// End returns the index of the block's last instruction.
func (b BasicBlock) End() int { return b.instrs[len(b.instrs)-1].Index }

// Contains reports whether the instruction index lies inside the block.
func (b BasicBlock) Contains(index int) bool {
	return index >= b.Start() && index <= b.End()
}

// First returns the first non-label instruction.
func (b BasicBlock) First() bytecode.Instruction {
	for _, instr := range b.instrs {
		if !instr.IsLabel() {
			return instr
		}
	}
	return b.instrs[len(b.instrs)-1]
}

// Last returns the block's last instruction.
func (b BasicBlock) Last() bytecode.Instruction { return b.instrs[len(b.instrs)-1] }

func (b BasicBlock) String() string {
	return fmt.Sprintf("bb_%d[#%d..#%d]", b.ID, b.Start(), b.End())
}

// BlockCFG is the basic-block CFG, keyed by block id.
type BlockCFG struct {
	*graph.Graph[int, BasicBlock]

	method *bytecode.Method
}

// Method returns the method the graph was built from.
func (c *BlockCFG) Method() *bytecode.Method { return c.method }

// Successors returns the ids of the blocks reached from block id by edges
// carrying label, in edge insertion order.
func (c *BlockCFG) Successors(id int, label graph.FlowLabel) []int {
	var result []int
	for _, e := range c.Outgoing(id) {
		if e.Label == label {
			result = append(result, e.Target)
		}
	}
	return result
}

// HasExceptionalExit reports whether block id has an outgoing exceptional edge.
func (c *BlockCFG) HasExceptionalExit(id int) bool {
	return len(c.Successors(id, graph.ExceptionalFlow)) > 0
}

// ProbePosition is an instrumentation point bound to one instruction of one
// basic block.
type ProbePosition struct {
	ID          int
	Block       int
	Instruction bytecode.Instruction
	Entry       bool
	Exit        bool
}

// NewProbePosition creates a probe position. At least one of entry and exit
// must be set.
func NewProbePosition(id, block int, instr bytecode.Instruction, entry, exit bool) (ProbePosition, error) {
	if !entry && !exit {
		return ProbePosition{}, fmt.Errorf("%w: probe %d in bb_%d is neither entry nor exit", ErrStructure, id, block)
	}
	return ProbePosition{ID: id, Block: block, Instruction: instr, Entry: entry, Exit: exit}, nil
}

func (p ProbePosition) String() string {
	return fmt.Sprintf("p%d@#%d(%s)", p.ID, p.Instruction.Index, p.flags())
}

func (p ProbePosition) flags() string {
	switch {
	case p.Entry && p.Exit:
		return "entry exit"
	case p.Entry:
		return "entry"
	default:
		return "exit"
	}
}

// ProbeOptions selects how probe positions are laid out.
type ProbeOptions struct {
	// ExceptionalEdges builds handler edges at block and probe level.
	ExceptionalEdges bool

	// SplitProbes gives blocks with exceptional exits separate entry and
	// exit probes. It has no effect without ExceptionalEdges.
	SplitProbes bool
}

// DefaultProbeOptions enables exceptional edges and split probes.
func DefaultProbeOptions() ProbeOptions {
	return ProbeOptions{ExceptionalEdges: true, SplitProbes: true}
}

// ProbeCFG is the probe-position CFG, keyed by probe id. It holds at most
// one edge per ordered pair of probes.
type ProbeCFG struct {
	*graph.Graph[int, ProbePosition]

	blocks *BlockCFG
}

// Blocks returns the block CFG the probes were derived from.
func (c *ProbeCFG) Blocks() *BlockCFG { return c.blocks }

// Method returns the method the graph was built from.
func (c *ProbeCFG) Method() *bytecode.Method { return c.blocks.method }

// Positions returns the probe positions ordered by id.
func (c *ProbeCFG) Positions() []ProbePosition { return c.Nodes() }
