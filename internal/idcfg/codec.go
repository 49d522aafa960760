package idcfg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Benny93/probecov/internal/graph"
)

// ErrMalformed reports an ID-CFG file that does not follow the text format.
var ErrMalformed = errors.New("idcfg: malformed file")

// Encode writes g in the line-oriented text format:
//
//	<storage key>
//	<display name>
//	<entered: true|false>
//	<N>
//	<node id>        (N lines)
//	<M>
//	<src> <dst> <normal|exceptional>   (M lines)
func (g *Graph) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, g.key)
	fmt.Fprintln(bw, g.name)
	fmt.Fprintln(bw, strconv.FormatBool(g.Entered()))

	nodes := g.Nodes()
	fmt.Fprintln(bw, len(nodes))
	for _, id := range nodes {
		fmt.Fprintln(bw, int(id))
	}

	edges := g.Edges()
	fmt.Fprintln(bw, len(edges))
	for _, e := range edges {
		fmt.Fprintf(bw, "%d %d %s\n", e.Source, e.Target, e.Label)
	}

	return bw.Flush()
}

// Bytes returns the encoded form of g.
func (g *Graph) Bytes() []byte {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer do not fail.
	_ = g.Encode(&buf)
	return buf.Bytes()
}

// lineReader hands out lines and tracks the line number for errors.
type lineReader struct {
	sc   *bufio.Scanner
	line int
}

func (r *lineReader) next(what string) (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: line %d: missing %s", ErrMalformed, r.line+1, what)
	}
	r.line++
	return r.sc.Text(), nil
}

func (r *lineReader) count(what string) (int, error) {
	s, err := r.next(what)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: line %d: bad %s %q", ErrMalformed, r.line, what, s)
	}
	return n, nil
}

// Decode reads a graph in the format written by Encode. Decoding is strict:
// counts must match, edges may only use declared nodes, node ids are unique
// and nothing may follow the last edge. The entered flag is validated but
// not restored.
func Decode(rd io.Reader) (*Graph, error) {
	r := &lineReader{sc: bufio.NewScanner(rd)}

	key, err := r.next("storage key")
	if err != nil {
		return nil, err
	}
	name, err := r.next("display name")
	if err != nil {
		return nil, err
	}
	entered, err := r.next("entered flag")
	if err != nil {
		return nil, err
	}
	if entered != "true" && entered != "false" {
		return nil, fmt.Errorf("%w: line %d: bad entered flag %q", ErrMalformed, r.line, entered)
	}

	g := New(key, name)

	nodes, err := r.count("node count")
	if err != nil {
		return nil, err
	}
	for i := 0; i < nodes; i++ {
		s, err := r.next("node id")
		if err != nil {
			return nil, err
		}
		id, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad node id %q", ErrMalformed, r.line, s)
		}
		if !g.AddNode(ProbeID(id)) {
			return nil, fmt.Errorf("%w: line %d: node %d declared twice", ErrMalformed, r.line, id)
		}
	}

	edges, err := r.count("edge count")
	if err != nil {
		return nil, err
	}
	for i := 0; i < edges; i++ {
		s, err := r.next("edge")
		if err != nil {
			return nil, err
		}
		src, dst, label, err := parseEdge(s)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, r.line, err)
		}
		if !g.HasNode(src) || !g.HasNode(dst) {
			return nil, fmt.Errorf("%w: line %d: edge %d -> %d uses an undeclared node", ErrMalformed, r.line, src, dst)
		}
		g.AddEdge(src, dst, label)
	}

	if r.sc.Scan() {
		return nil, fmt.Errorf("%w: line %d: unexpected content after last edge", ErrMalformed, r.line+1)
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}

	// The first node is the root: builders emit the first probe of block 0 first.
	if nodes > 0 {
		g.SetRoot(g.Nodes()[0])
	}
	return g, nil
}

func parseEdge(s string) (ProbeID, ProbeID, graph.FlowLabel, error) {
	fields := strings.Split(s, " ")
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("edge %q must have 3 fields", s)
	}
	src, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad edge source %q", fields[0])
	}
	dst, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad edge target %q", fields[1])
	}
	label, err := graph.ParseFlowLabel(fields[2])
	if err != nil {
		return 0, 0, 0, err
	}
	return ProbeID(src), ProbeID(dst), label, nil
}

// WriteFile encodes g to path, creating parent directories.
func (g *Graph) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := g.Encode(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}

// ReadFile decodes the graph stored at path.
func ReadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	g, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return g, nil
}
