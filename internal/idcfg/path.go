package idcfg

import (
	"fmt"
	"strconv"
	"strings"
)

// Path is the ordered sequence of probes one method activation visited.
// A Path belongs to a single activation and is not safe for concurrent use.
type Path []ProbeID

// Visit appends a probe to the path.
func (p *Path) Visit(id ProbeID) { *p = append(*p, id) }

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, id := range p {
		parts[i] = strconv.Itoa(int(id))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// ParsePath parses whitespace-separated probe ids.
func ParsePath(fields []string) (Path, error) {
	path := make(Path, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("bad probe id %q", f)
		}
		path = append(path, ProbeID(id))
	}
	return path, nil
}
