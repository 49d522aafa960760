package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/probecov/internal/graph"
	"github.com/Benny93/probecov/internal/idcfg"
	"github.com/Benny93/probecov/internal/report"
	"github.com/Benny93/probecov/internal/storage"
)

func loopGraph(key string) *idcfg.Graph {
	g := idcfg.New(key, key+"/spin()V")
	g.AddEdge(3, 7, graph.NormalFlow)
	g.AddEdge(7, 3, graph.NormalFlow)
	g.AddEdge(7, 9, graph.NormalFlow)
	return g
}

type testEnv struct {
	server  *Server
	store   *storage.MemoryBackend
	logsDir string
	planDir string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()

	store := storage.NewMemoryBackend()
	ctx := context.Background()
	for _, key := range []string{"pkg.A/0", "pkg.A/1", "pkg.B/0"} {
		require.NoError(t, store.SaveCFG(ctx, loopGraph(key)))
	}

	logsDir := filepath.Join(t.TempDir(), "logs")
	planDir := filepath.Join(t.TempDir(), "plans")

	return testEnv{
		server:  NewServer(Options{Store: store, LogsDir: logsDir, PlanDir: planDir}),
		store:   store,
		logsDir: logsDir,
		planDir: planDir,
	}
}

func TestServer_Tools(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	t.Run("ListTools", func(t *testing.T) {
		names := make(map[string]bool)
		for _, tool := range env.server.ListTools() {
			names[tool.Name] = true
			assert.NotEmpty(t, tool.Description)
			assert.NotNil(t, tool.InputSchema)
		}

		for _, expected := range []string{"probecov_list", "probecov_graph", "probecov_coverage", "probecov_plan"} {
			assert.True(t, names[expected], "Should have tool: %s", expected)
		}
	})

	t.Run("UnknownTool", func(t *testing.T) {
		result, err := env.server.CallTool(context.Background(), "unknown_tool", nil)
		assert.ErrorContains(t, err, "unknown tool")
		assert.Empty(t, result)
	})
}

func TestServer_List(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	all, err := env.server.CallTool(ctx, "probecov_list", map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, all, "3 ID-CFGs")
	assert.Contains(t, all, "- pkg.B/0")

	group, err := env.server.CallTool(ctx, "probecov_list", map[string]any{"group": "pkg.A"})
	require.NoError(t, err)
	assert.Contains(t, group, "2 ID-CFGs")
	assert.NotContains(t, group, "pkg.B/0")

	none, err := env.server.CallTool(ctx, "probecov_list", map[string]any{"group": "pkg.None"})
	require.NoError(t, err)
	assert.Equal(t, "No ID-CFGs stored", none)
}

func TestServer_Graph(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("ShowsEncodingAndRequirements", func(t *testing.T) {
		out, err := env.server.CallTool(ctx, "probecov_graph", map[string]any{"key": "pkg.A/0"})
		require.NoError(t, err)
		assert.Contains(t, out, "## pkg.A/0/spin()V")
		assert.Contains(t, out, "7 9 normal")
		assert.Contains(t, out, "Test requirements: 3 nodes, 3 edges, 3 edge pairs")
		assert.Contains(t, out, "Nodes: 3 7 9")
		assert.Contains(t, out, "Edges: (3,7) (7,3) (7,9)")
	})

	t.Run("Missing", func(t *testing.T) {
		out, err := env.server.CallTool(ctx, "probecov_graph", map[string]any{"key": "pkg.A/9"})
		require.NoError(t, err)
		assert.Contains(t, out, "No ID-CFG stored")
	})

	t.Run("NoKey", func(t *testing.T) {
		out, err := env.server.CallTool(ctx, "probecov_graph", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, "No key provided", out)
	})
}

func TestServer_Coverage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rep := report.Report{
		Key:     "pkg.A/0",
		Name:    "pkg.A/0/spin()V",
		Entered: true,
		Coverage: idcfg.Coverage{
			NodesCovered: 2, TotalNodes: 3,
			EdgesCovered: 1, TotalEdges: 3,
			EdgePairsCovered: 0, TotalEdgePairs: 3,
		},
	}

	t.Run("FromStore", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		require.NoError(t, env.store.SaveReports(ctx, []report.Report{rep}))

		out, err := env.server.CallTool(ctx, "probecov_coverage", map[string]any{"key": "pkg.A/0"})
		require.NoError(t, err)
		assert.Contains(t, out, "(store)")
		assert.Contains(t, out, "Nodes:      2/3")
		assert.Contains(t, out, "Entered:    true")
	})

	t.Run("FromLogs", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		_, err := rep.WriteFile(env.logsDir)
		require.NoError(t, err)

		out, err := env.server.CallTool(ctx, "probecov_coverage", map[string]any{"key": "pkg.A/0"})
		require.NoError(t, err)
		assert.Contains(t, out, "(logs)")
		assert.Contains(t, out, "Edges:      1/3")
		assert.NotContains(t, out, "Entered")
	})

	t.Run("NotRecorded", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		out, err := env.server.CallTool(ctx, "probecov_coverage", map[string]any{"key": "pkg.A/0"})
		require.NoError(t, err)
		assert.Contains(t, out, "No coverage recorded")
	})
}

func TestServer_Plan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(env.planDir, 0o755))
	plan := "class: pkg/A\nmethods: []\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.planDir, "pkg.A.plan.yaml"), []byte(plan), 0o644))

	out, err := env.server.CallTool(ctx, "probecov_plan", map[string]any{"group": "pkg.A"})
	require.NoError(t, err)
	assert.Equal(t, plan, out)

	out, err = env.server.CallTool(ctx, "probecov_plan", map[string]any{"group": "pkg.B"})
	require.NoError(t, err)
	assert.Contains(t, out, "No probe plan")
}

func TestServer_Resources(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("ListResources", func(t *testing.T) {
		for _, res := range env.server.ListResources() {
			assert.NotEmpty(t, res.Name)
			assert.NotEmpty(t, res.Description)
			assert.Equal(t, "text/plain", res.MIMEType)
		}
	})

	t.Run("Overview", func(t *testing.T) {
		content, err := env.server.ReadResource(ctx, "probecov://overview")
		require.NoError(t, err)
		assert.Equal(t, "Classes: 2\nID-CFGs: 3\n\npkg.A: 2\npkg.B: 1\n", content)
	})

	t.Run("SummaryMissing", func(t *testing.T) {
		content, err := env.server.ReadResource(ctx, "probecov://summary")
		require.NoError(t, err)
		assert.Contains(t, content, "No coverage session")
	})

	t.Run("Unknown", func(t *testing.T) {
		content, err := env.server.ReadResource(ctx, "probecov://unknown")
		assert.ErrorContains(t, err, "unknown resource")
		assert.Empty(t, content)
	})
}

// connect serves env over an in-memory transport and returns a client
// session plus a channel carrying Run's result.
func connect(ctx context.Context, t *testing.T, env testEnv) (*mcp.ClientSession, <-chan error) {
	t.Helper()

	serverT, clientT := mcp.NewInMemoryTransports()
	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx, serverT) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	return cs, done
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestServer_Run(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cs, done := connect(ctx, t, env)

	assert.Equal(t, "probecov", cs.InitializeResult().ServerInfo.Name)

	tools, err := cs.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 4)

	listed, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "probecov_list",
		Arguments: map[string]any{"group": "pkg.B"},
	})
	require.NoError(t, err)
	assert.False(t, listed.IsError)
	assert.Contains(t, textOf(t, listed), "- pkg.B/0")

	graphRes, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "probecov_graph",
		Arguments: map[string]any{"key": "pkg.A/1"},
	})
	require.NoError(t, err)
	assert.Contains(t, textOf(t, graphRes), "Edges: (3,7) (7,3) (7,9)")

	resources, err := cs.ListResources(ctx, &mcp.ListResourcesParams{})
	require.NoError(t, err)
	assert.Len(t, resources.Resources, 2)

	overview, err := cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: "probecov://overview"})
	require.NoError(t, err)
	require.Len(t, overview.Contents, 1)
	assert.Equal(t, "Classes: 2\nID-CFGs: 3\n\npkg.A: 2\npkg.B: 1\n", overview.Contents[0].Text)

	_, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "unknown_tool"})
	assert.Error(t, err)

	require.NoError(t, cs.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after the client disconnected")
	}
}

func TestServer_ToolErrorResult(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.server.store = failingStore{Backend: env.store}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cs, _ := connect(ctx, t, env)
	defer func() { _ = cs.Close() }()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "probecov_list"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "store unavailable")
}

type failingStore struct {
	storage.Backend
}

func (failingStore) ListAll(context.Context) ([]string, error) {
	return nil, errors.New("store unavailable")
}

func TestServer_RunCancelled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	serverT, _ := mcp.NewInMemoryTransports()
	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx, serverT) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancellation")
	}
}
