package cfg

import "fmt"

// Placement tells the instrumentation layer where the reporting call for a
// probe goes relative to its bound instruction.
type Placement uint8

const (
	Before Placement = iota
	After
)

func (p Placement) String() string {
	switch p {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return fmt.Sprintf("Placement(%d)", uint8(p))
	}
}

// MarshalText encodes the placement as "before" or "after".
func (p Placement) MarshalText() ([]byte, error) {
	switch p {
	case Before, After:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("invalid placement %d", uint8(p))
	}
}

// UnmarshalText parses "before" or "after".
func (p *Placement) UnmarshalText(text []byte) error {
	switch string(text) {
	case "before":
		*p = Before
	case "after":
		*p = After
	default:
		return fmt.Errorf("invalid placement %q", text)
	}
	return nil
}

// PlacementOf returns where the reporting call for p goes. Entry probes go
// before their instruction, also when they are exits too. Exit probes go
// before branches, returns and throws, and after anything else.
func PlacementOf(p ProbePosition) Placement {
	if p.Entry {
		return Before
	}
	if p.Instruction.EndsBlock() {
		return Before
	}
	return After
}

// ProbePlacement describes one probe for the instrumentation layer.
type ProbePlacement struct {
	Probe       int       `yaml:"probe" json:"probe"`
	Block       int       `yaml:"block" json:"block"`
	Instruction int       `yaml:"instruction" json:"instruction"`
	Opcode      string    `yaml:"opcode" json:"opcode"`
	Entry       bool      `yaml:"entry" json:"entry"`
	Exit        bool      `yaml:"exit" json:"exit"`
	Where       Placement `yaml:"where" json:"where"`
}

// Placements lists every probe in id order with its placement.
func (c *ProbeCFG) Placements() []ProbePlacement {
	positions := c.Positions()
	result := make([]ProbePlacement, 0, len(positions))
	for _, p := range positions {
		result = append(result, ProbePlacement{
			Probe:       p.ID,
			Block:       p.Block,
			Instruction: p.Instruction.Index,
			Opcode:      p.Instruction.Opcode,
			Entry:       p.Entry,
			Exit:        p.Exit,
			Where:       PlacementOf(p),
		})
	}
	return result
}
