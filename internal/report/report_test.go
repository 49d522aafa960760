package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/probecov/internal/graph"
	"github.com/Benny93/probecov/internal/idcfg"
)

func sampleReport() Report {
	return Report{
		Key:  "pkg.Loop/0",
		Name: "pkg.Loop/spin()V",
		Coverage: idcfg.Coverage{
			NodesCovered: 2, TotalNodes: 3,
			EdgesCovered: 1, TotalEdges: 3,
			EdgePairsCovered: 0, TotalEdgePairs: 2,
		},
	}
}

const sampleText = `pkg.Loop/0
pkg.Loop/spin()V
NODES_COVERED: 2
TOTAL_NODES: 3
EDGES_COVERED: 1
TOTAL_EDGES: 3
EDGE_PAIRS_COVERED: 0
TOTAL_EDGE_PAIRS: 2
`

func TestReport_Encode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, sampleReport().Encode(&buf))
	assert.Equal(t, sampleText, buf.String())
}

func TestDecode(t *testing.T) {
	t.Parallel()

	r, err := Decode(strings.NewReader(sampleText))
	require.NoError(t, err)
	assert.Equal(t, sampleReport(), r)

	tests := []struct {
		name string
		text string
	}{
		{"TooShort", "a\nb\n"},
		{"WrongMetric", strings.Replace(sampleText, "TOTAL_NODES", "NODES", 1)},
		{"BadValue", strings.Replace(sampleText, "EDGES_COVERED: 1", "EDGES_COVERED: one", 1)},
		{"Trailing", sampleText + "x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(strings.NewReader(tt.text))
			assert.Error(t, err)
		})
	}
}

func TestReport_WriteFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := sampleReport().WriteFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pkg.Loop", "0"), path)

	read, err := ReadFile(dir, "pkg.Loop/0")
	require.NoError(t, err)
	assert.Equal(t, sampleReport(), read)

	_, err = ReadFile(dir, "pkg.Loop/9")
	assert.Error(t, err)
}

func TestFromGraph(t *testing.T) {
	t.Parallel()

	g := idcfg.New("pkg.A/0", "pkg.A/f()V")
	g.AddEdge(0, 1, graph.NormalFlow)
	require.NoError(t, g.UpdateTestRequirements())
	g.MarkEntered()
	g.CoverTestRequirements(idcfg.Path{0, 1})

	r := FromGraph(g)
	assert.Equal(t, "pkg.A/0", r.Key)
	assert.True(t, r.Entered)
	assert.Equal(t, idcfg.Coverage{NodesCovered: 2, TotalNodes: 2, EdgesCovered: 1, TotalEdges: 1}, r.Coverage)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	s := Summary{
		Session: "abc",
		Loaded:  map[string]string{"b/1": "b/g()V", "a/0": "a/f()V"},
		Total:   5,
		Entered: []string{"b/1"},
	}

	var buf bytes.Buffer
	require.NoError(t, s.Encode(&buf))
	assert.Equal(t, `session: abc
loaded-cfgs: 2
total-cfgs: 5
a/0: a/f()V
b/1: b/g()V
covered-cfgs: 1
b/1: b/g()V
`, buf.String())

	dir := filepath.Join(t.TempDir(), "logs")
	path, err := s.WriteFile(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, buf.String(), string(data))
}
