// Package bytecode provides the instruction-stream view of compiled methods
// consumed by the CFG builder.
//
// A Method holds only real instructions: executable instructions plus the
// labels that some branch or exception handler refers to. Instructions are
// identified by their Index, which orders them within the method.
package bytecode

import (
	"fmt"
	"strings"
)

// Kind classifies an instruction for control-flow purposes.
type Kind uint8

const (
	KindPlain       Kind = iota // Falls through to the next instruction
	KindConditional             // Conditional branch (IF_*)
	KindJump                    // Unconditional jump (GOTO)
	KindSwitch                  // Multi-way branch (TABLESWITCH, LOOKUPSWITCH)
	KindReturn                  // Method return (*RETURN)
	KindThrow                   // Explicit throw (ATHROW)
	KindLabel                   // Branch or handler target, not executable
)

var kindNames = map[Kind]string{
	KindPlain:       "plain",
	KindConditional: "cond",
	KindJump:        "jump",
	KindSwitch:      "switch",
	KindReturn:      "return",
	KindThrow:       "throw",
	KindLabel:       "label",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind parses the listing form of a kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown instruction kind %q", s)
}

// KindOf infers the kind from an opcode mnemonic.
func KindOf(opcode string) Kind {
	op := strings.ToUpper(opcode)
	switch {
	case strings.HasPrefix(op, "IF"):
		return KindConditional
	case op == "GOTO" || op == "GOTO_W":
		return KindJump
	case op == "TABLESWITCH" || op == "LOOKUPSWITCH":
		return KindSwitch
	case op == "ATHROW":
		return KindThrow
	case strings.HasSuffix(op, "RETURN"):
		return KindReturn
	default:
		return KindPlain
	}
}

// Instruction is one entry of a method's instruction stream.
type Instruction struct {
	// Index orders the instruction within its method. Indices are unique
	// per method but need not be contiguous once unused labels are dropped.
	Index int

	// Opcode is the mnemonic, or the label name for labels.
	Opcode string

	// Kind drives control-flow classification.
	Kind Kind

	// Targets holds the indices of the labels a branch can transfer to.
	Targets []int

	// HasDefault is false for a switch whose default target is missing.
	HasDefault bool
}

func (i Instruction) IsConditionalBranch() bool { return i.Kind == KindConditional }
func (i Instruction) IsUnconditionalJump() bool { return i.Kind == KindJump }
func (i Instruction) IsSwitch() bool            { return i.Kind == KindSwitch }
func (i Instruction) IsReturn() bool            { return i.Kind == KindReturn }
func (i Instruction) IsThrow() bool             { return i.Kind == KindThrow }
func (i Instruction) IsLabel() bool             { return i.Kind == KindLabel }

// IsBranch reports whether the instruction transfers control to declared
// targets: conditional branches, jumps and switches.
func (i Instruction) IsBranch() bool {
	return i.IsConditionalBranch() || i.IsUnconditionalJump() || i.IsSwitch()
}

// EndsBlock reports whether a basic block must end at this instruction.
func (i Instruction) EndsBlock() bool {
	return i.IsBranch() || i.IsReturn() || i.IsThrow()
}

func (i Instruction) String() string {
	if i.IsLabel() {
		return i.Opcode + ":"
	}
	if len(i.Targets) == 0 {
		return i.Opcode
	}
	targets := make([]string, len(i.Targets))
	for n, t := range i.Targets {
		targets[n] = fmt.Sprintf("#%d", t)
	}
	return i.Opcode + " -> " + strings.Join(targets, ",")
}

// Handler is an exception table entry resolved to instruction indices.
type Handler struct {
	// Start is the index of the label opening the protected range.
	Start int

	// End is the index of the last instruction inside the range (inclusive).
	End int

	// Handler is the index of the label where the handler code begins.
	Handler int
}

// Method is one method body as seen by the CFG builder.
type Method struct {
	// Class is the internal class name, e.g. "pkg/Name".
	Class string

	// ID is the position of the method within its class.
	ID int

	Name       string
	Descriptor string

	// Instructions holds the real instructions in index order.
	Instructions []Instruction

	Handlers []Handler
}

// DottedClass returns the class name with "/" replaced by ".".
func (m *Method) DottedClass() string {
	return strings.ReplaceAll(m.Class, "/", ".")
}

// StorageKey returns the key under which the method's probe graph is stored:
// "<dotted class>/<method id>".
func (m *Method) StorageKey() string {
	return fmt.Sprintf("%s/%d", m.DottedClass(), m.ID)
}

// DisplayName returns "<dotted class>/<name><descriptor>" with every "/" in
// the name and descriptor replaced by ".".
func (m *Method) DisplayName() string {
	return m.DottedClass() + "/" + strings.ReplaceAll(m.Name+m.Descriptor, "/", ".")
}

// Position returns the slice position of the instruction with the given index.
func (m *Method) Position(index int) (int, bool) {
	for pos, instr := range m.Instructions {
		if instr.Index == index {
			return pos, true
		}
	}
	return 0, false
}
