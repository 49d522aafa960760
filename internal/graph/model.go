// Package graph provides the directed graph model shared by every CFG stage.
//
// It defines the flow label vocabulary that every control-flow graph uses
// for its edges, and the edge triple stored by Graph.
package graph

import "fmt"

// FlowLabel classifies a control transfer.
type FlowLabel uint8

const (
	// NormalFlow is an ordinary, non-exceptional control transfer.
	NormalFlow FlowLabel = iota

	// ExceptionalFlow is a transfer into a handler triggered by a thrown
	// or propagating condition inside the handler's range.
	ExceptionalFlow
)

// String returns the persisted form of the label ("normal" or "exceptional").
func (l FlowLabel) String() string {
	switch l {
	case NormalFlow:
		return "normal"
	case ExceptionalFlow:
		return "exceptional"
	default:
		return fmt.Sprintf("FlowLabel(%d)", uint8(l))
	}
}

// ParseFlowLabel parses the persisted form of a label.
func ParseFlowLabel(s string) (FlowLabel, error) {
	switch s {
	case "normal":
		return NormalFlow, nil
	case "exceptional":
		return ExceptionalFlow, nil
	default:
		return 0, fmt.Errorf("unknown flow label %q", s)
	}
}

// Edge is a directed, labelled edge between two node keys.
type Edge[K comparable] struct {
	// Source is the key of the node the edge leaves.
	Source K

	// Target is the key of the node the edge enters.
	Target K

	// Label classifies the transfer.
	Label FlowLabel
}

// Pair returns the ordered (source, target) pair of the edge, ignoring the label.
func (e Edge[K]) Pair() [2]K {
	return [2]K{e.Source, e.Target}
}
