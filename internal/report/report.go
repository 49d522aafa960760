// Package report holds per-method coverage reports and the shutdown summary.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Benny93/probecov/internal/idcfg"
)

// Metric names as they appear in report files.
const (
	NodesCovered     = "NODES_COVERED"
	TotalNodes       = "TOTAL_NODES"
	EdgesCovered     = "EDGES_COVERED"
	TotalEdges       = "TOTAL_EDGES"
	EdgePairsCovered = "EDGE_PAIRS_COVERED"
	TotalEdgePairs   = "TOTAL_EDGE_PAIRS"
)

// Report is the coverage of one method at shutdown.
type Report struct {
	Key      string         `json:"key" msgpack:"key"`
	Name     string         `json:"name" msgpack:"name"`
	Entered  bool           `json:"entered" msgpack:"entered"`
	Coverage idcfg.Coverage `json:"coverage" msgpack:"coverage"`
}

// FromGraph snapshots the coverage of g.
func FromGraph(g *idcfg.Graph) Report {
	return Report{
		Key:      g.Key(),
		Name:     g.Name(),
		Entered:  g.Entered(),
		Coverage: g.CoverageInfo(),
	}
}

type metric struct {
	name  string
	value *int
}

// metrics returns the report's metric fields in file order.
func (r *Report) metrics() []metric {
	return []metric{
		{NodesCovered, &r.Coverage.NodesCovered},
		{TotalNodes, &r.Coverage.TotalNodes},
		{EdgesCovered, &r.Coverage.EdgesCovered},
		{TotalEdges, &r.Coverage.TotalEdges},
		{EdgePairsCovered, &r.Coverage.EdgePairsCovered},
		{TotalEdgePairs, &r.Coverage.TotalEdgePairs},
	}
}

// Encode writes the report in its text form: key, name, then one
// "METRIC: n" line per metric.
func (r Report) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, r.Key)
	fmt.Fprintln(bw, r.Name)
	for _, m := range r.metrics() {
		fmt.Fprintf(bw, "%s: %d\n", m.name, *m.value)
	}
	return bw.Flush()
}

// Decode parses a report written by Encode. The entered flag is not part of
// the text form.
func Decode(rd io.Reader) (Report, error) {
	sc := bufio.NewScanner(rd)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return Report{}, err
	}

	var r Report
	metrics := r.metrics()
	if len(lines) != 2+len(metrics) {
		return Report{}, fmt.Errorf("report has %d lines, want %d", len(lines), 2+len(metrics))
	}
	r.Key, r.Name = lines[0], lines[1]

	for i, m := range metrics {
		line := lines[2+i]
		value, ok := strings.CutPrefix(line, m.name+": ")
		if !ok {
			return Report{}, fmt.Errorf("line %d: want %s, got %q", 3+i, m.name, line)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return Report{}, fmt.Errorf("line %d: bad %s value %q", 3+i, m.name, value)
		}
		*m.value = n
	}
	return r, nil
}

// Path returns where the report for key lives under dir. Report files
// mirror the storage-key hierarchy.
func Path(dir, key string) string {
	return filepath.Join(dir, filepath.FromSlash(key))
}

// WriteFile writes the report under dir, creating parent directories.
func (r Report) WriteFile(dir string) (string, error) {
	path := Path(dir, r.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating directory for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	if err := r.Encode(f); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", path, err)
	}
	return path, nil
}

// ReadFile reads the report for key under dir.
func ReadFile(dir, key string) (Report, error) {
	path := Path(dir, key)
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r, err := Decode(f)
	if err != nil {
		return Report{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return r, nil
}

// Summary describes one registry session.
type Summary struct {
	Session string
	// Loaded maps storage key to display name for every loaded graph.
	Loaded map[string]string
	// Total is the number of graphs available in storage.
	Total int
	// Entered lists the storage keys of graphs that saw at least one path.
	Entered []string
}

// Encode writes the summary text.
func (s Summary) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)

	keys := make([]string, 0, len(s.Loaded))
	for k := range s.Loaded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entered := append([]string(nil), s.Entered...)
	sort.Strings(entered)

	fmt.Fprintf(bw, "session: %s\n", s.Session)
	fmt.Fprintf(bw, "loaded-cfgs: %d\n", len(keys))
	fmt.Fprintf(bw, "total-cfgs: %d\n", s.Total)
	for _, k := range keys {
		fmt.Fprintf(bw, "%s: %s\n", k, s.Loaded[k])
	}
	fmt.Fprintf(bw, "covered-cfgs: %d\n", len(entered))
	for _, k := range entered {
		fmt.Fprintf(bw, "%s: %s\n", k, s.Loaded[k])
	}
	return bw.Flush()
}

// WriteFile writes the summary to dir/summary.txt.
func (s Summary) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}

	path := filepath.Join(dir, "summary.txt")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	if err := s.Encode(f); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", path, err)
	}
	return path, nil
}
