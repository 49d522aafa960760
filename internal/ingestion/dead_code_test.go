package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/probecov/internal/bytecode"
	"github.com/Benny93/probecov/internal/cfg"
	"github.com/Benny93/probecov/internal/graph"
	"github.com/Benny93/probecov/internal/idcfg"
)

// skipListing jumps over an instruction no branch targets.
const skipListing = `
class: pkg/Skip
methods:
  - name: skip
    desc: ()V
    instructions:
      - {op: GOTO, targets: [End]}
      - {op: IINC}
      - {label: End}
      - {op: RETURN}
`

func TestDeadProbes(t *testing.T) {
	t.Parallel()

	t.Run("AllReachable", func(t *testing.T) {
		t.Parallel()
		g := idcfg.New("pkg.A/0", "pkg.A/f()V")
		g.AddEdge(0, 1, graph.NormalFlow)
		g.AddEdge(1, 0, graph.NormalFlow)
		g.AddEdge(0, 2, graph.ExceptionalFlow)
		g.SetRoot(0)

		assert.Empty(t, DeadProbes(g))
	})

	t.Run("Unreachable", func(t *testing.T) {
		t.Parallel()
		g := idcfg.New("pkg.A/0", "pkg.A/f()V")
		g.AddEdge(0, 2, graph.NormalFlow)
		// 1 and 3 only lead into reachable code.
		g.AddEdge(1, 2, graph.NormalFlow)
		g.AddEdge(3, 1, graph.NormalFlow)
		g.SetRoot(0)

		assert.Equal(t, []idcfg.ProbeID{1, 3}, DeadProbes(g))
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, DeadProbes(idcfg.New("pkg.A/0", "pkg.A/f()V")))
	})

	t.Run("FromListing", func(t *testing.T) {
		t.Parallel()
		c, err := bytecode.ParseListing([]byte(skipListing))
		require.NoError(t, err)

		built, err := BuildClass(c, cfg.DefaultProbeOptions())
		require.NoError(t, err)
		assert.Equal(t, []idcfg.ProbeID{1}, DeadProbes(built.Graphs[0]))
		assert.Equal(t, 1, built.Dead)
	})
}
