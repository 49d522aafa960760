package bytecode

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Class is a parsed listing: one class and its methods in declaration order.
type Class struct {
	// Name is the internal class name, e.g. "pkg/Name".
	Name string

	Methods []*Method
}

// listingFile mirrors the YAML layout of a class listing.
type listingFile struct {
	Class   string          `yaml:"class"`
	Methods []listingMethod `yaml:"methods"`
}

type listingMethod struct {
	Name         string               `yaml:"name"`
	Desc         string               `yaml:"desc"`
	Instructions []listingInstruction `yaml:"instructions"`
	Handlers     []listingHandler     `yaml:"handlers"`
}

type listingInstruction struct {
	Op      string   `yaml:"op"`
	Label   string   `yaml:"label"`
	Kind    string   `yaml:"kind"`
	Targets []string `yaml:"targets"`
	Default string   `yaml:"default"`
}

type listingHandler struct {
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
	Handler string `yaml:"handler"`
}

// LoadListing reads and parses a class listing file.
func LoadListing(path string) (*Class, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading listing %s: %w", path, err)
	}

	class, err := ParseListing(data)
	if err != nil {
		return nil, fmt.Errorf("parsing listing %s: %w", path, err)
	}
	return class, nil
}

// ParseListing parses a class listing.
//
// Labels that no branch and no handler refers to are dropped, as are
// trailing labels that are neither a branch nor a handler target. The
// remaining instructions keep their position in the listing as Index.
func ParseListing(data []byte) (*Class, error) {
	var lf listingFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}
	if err := checkClassName(lf.Class); err != nil {
		return nil, err
	}

	class := &Class{Name: lf.Class}
	for id, lm := range lf.Methods {
		m, err := resolveMethod(lf.Class, id, lm)
		if err != nil {
			return nil, fmt.Errorf("method %s%s: %w", lm.Name, lm.Desc, err)
		}
		class.Methods = append(class.Methods, m)
	}
	return class, nil
}

// checkClassName rejects names with an empty package or class segment, which
// covers "." and "..". The dotted class name becomes a directory name.
func checkClassName(name string) error {
	if name == "" {
		return fmt.Errorf("listing has no class name")
	}
	if strings.ContainsAny(name, `\`) {
		return fmt.Errorf("invalid class name %q", name)
	}
	for _, seg := range strings.Split(strings.ReplaceAll(name, ".", "/"), "/") {
		if seg == "" {
			return fmt.Errorf("invalid class name %q: empty segment", name)
		}
	}
	return nil
}

// resolveMethod turns a raw listing method into a Method with label names
// resolved to instruction indices and unused labels removed.
func resolveMethod(className string, id int, lm listingMethod) (*Method, error) {
	if lm.Name == "" {
		return nil, fmt.Errorf("method %d has no name", id)
	}

	raw := make([]Instruction, len(lm.Instructions))
	labels := make(map[string]int)

	// First pass: classify instructions and index labels.
	for i, li := range lm.Instructions {
		switch {
		case li.Label != "" && li.Op != "":
			return nil, fmt.Errorf("instruction %d has both op and label", i)
		case li.Label != "":
			if _, dup := labels[li.Label]; dup {
				return nil, fmt.Errorf("label %s declared twice", li.Label)
			}
			labels[li.Label] = i
			raw[i] = Instruction{Index: i, Opcode: li.Label, Kind: KindLabel}
		case li.Op != "":
			kind := KindOf(li.Op)
			if li.Kind != "" {
				k, err := ParseKind(li.Kind)
				if err != nil {
					return nil, fmt.Errorf("instruction %d: %w", i, err)
				}
				if k == KindLabel {
					return nil, fmt.Errorf("instruction %d: use label: to declare labels", i)
				}
				kind = k
			}
			raw[i] = Instruction{Index: i, Opcode: li.Op, Kind: kind}
		default:
			return nil, fmt.Errorf("instruction %d has neither op nor label", i)
		}
	}

	used := make(map[int]bool)
	// targeted holds labels control can reach: branch and handler targets.
	targeted := make(map[int]bool)
	lookup := func(name string) (int, error) {
		idx, ok := labels[name]
		if !ok {
			return 0, fmt.Errorf("undefined label %s", name)
		}
		used[idx] = true
		return idx, nil
	}

	// Second pass: resolve branch targets and mark used labels.
	for i, li := range lm.Instructions {
		instr := &raw[i]
		if !instr.IsBranch() {
			if len(li.Targets) > 0 || li.Default != "" {
				return nil, fmt.Errorf("instruction %d (%s) is not a branch but declares targets", i, instr.Opcode)
			}
			continue
		}

		for _, name := range li.Targets {
			idx, err := lookup(name)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			instr.Targets = append(instr.Targets, idx)
			targeted[idx] = true
		}

		if instr.IsSwitch() {
			if li.Default == "" {
				slog.Warn("switch without default target",
					"class", className, "method", lm.Name+lm.Desc, "instruction", i)
			} else {
				idx, err := lookup(li.Default)
				if err != nil {
					return nil, fmt.Errorf("instruction %d default: %w", i, err)
				}
				instr.Targets = append(instr.Targets, idx)
				instr.HasDefault = true
				targeted[idx] = true
			}
		} else if len(instr.Targets) == 0 {
			return nil, fmt.Errorf("instruction %d (%s) has no target", i, instr.Opcode)
		}
	}

	handlers := make([]Handler, 0, len(lm.Handlers))
	for n, lh := range lm.Handlers {
		start, err := lookup(lh.Start)
		if err != nil {
			return nil, fmt.Errorf("handler %d start: %w", n, err)
		}
		endLabel, err := lookup(lh.End)
		if err != nil {
			return nil, fmt.Errorf("handler %d end: %w", n, err)
		}
		target, err := lookup(lh.Handler)
		if err != nil {
			return nil, fmt.Errorf("handler %d: %w", n, err)
		}
		targeted[target] = true

		end, ok := lastExecutableBefore(raw, endLabel)
		if !ok {
			return nil, fmt.Errorf("handler %d: no instruction before end label %s", n, lh.End)
		}
		handlers = append(handlers, Handler{Start: start, End: end, Handler: target})
	}

	m := &Method{
		Class:      className,
		ID:         id,
		Name:       lm.Name,
		Descriptor: lm.Desc,
		Handlers:   handlers,
	}
	for _, instr := range raw {
		if instr.IsLabel() && !used[instr.Index] {
			continue
		}
		m.Instructions = append(m.Instructions, instr)
	}

	// A range end label may close the method. It only delimits the range,
	// which is already resolved, so it is dropped with any other trailing
	// label nothing jumps to.
	for n := len(m.Instructions); n > 0; n-- {
		last := m.Instructions[n-1]
		if !last.IsLabel() || targeted[last.Index] {
			break
		}
		m.Instructions = m.Instructions[:n-1]
	}
	return m, nil
}

// lastExecutableBefore returns the index of the closest non-label
// instruction preceding position pos.
func lastExecutableBefore(raw []Instruction, pos int) (int, bool) {
	for i := pos - 1; i >= 0; i-- {
		if !raw[i].IsLabel() {
			return raw[i].Index, true
		}
	}
	return 0, false
}
