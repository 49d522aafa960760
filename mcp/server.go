// Package mcp provides the MCP (Model Context Protocol) server for probecov.
//
// Tools and resources are registered on a go-sdk server, which handles the
// protocol over any transport; RunStdio serves it on stdin and stdout.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Benny93/probecov/internal/ingestion"
	"github.com/Benny93/probecov/internal/report"
	"github.com/Benny93/probecov/internal/storage"
)

// Server represents the MCP server.
type Server struct {
	store   storage.Backend
	logsDir string
	planDir string
	server  *mcp.Server
}

// Options configures the server.
type Options struct {
	// Store holds the ID-CFGs. Required.
	Store storage.Backend

	// LogsDir is where coverage reports and summary.txt are read from.
	LogsDir string

	// PlanDir is where the build wrote probe plans.
	PlanDir string
}

// NewServer creates a new MCP server with every tool and resource
// registered.
func NewServer(opts Options) *Server {
	s := &Server{
		store:   opts.Store,
		logsDir: opts.LogsDir,
		planDir: opts.PlanDir,
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "probecov",
		Version: "0.1.0",
	}, nil)

	for _, tool := range s.ListTools() {
		s.server.AddTool(tool, s.toolHandler(tool.Name))
	}
	for _, res := range s.ListResources() {
		s.server.AddResource(res, s.resourceHandler)
	}

	return s
}

func keySchema(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"key": {Type: "string", Description: desc},
		},
		Required: []string{"key"},
	}
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        "probecov_list",
			Description: "List stored ID-CFG keys, optionally restricted to one class group.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"group": {Type: "string", Description: "Dotted class name, e.g. pkg.Name"},
				},
			},
		},
		{
			Name:        "probecov_graph",
			Description: "Show the stored ID-CFG of a method in its text encoding, with its test requirements.",
			InputSchema: keySchema("Storage key, e.g. pkg.Name/0"),
		},
		{
			Name:        "probecov_coverage",
			Description: "Show the node, edge and edge-pair coverage recorded for a method.",
			InputSchema: keySchema("Storage key, e.g. pkg.Name/0"),
		},
		{
			Name:        "probecov_plan",
			Description: "Show the probe placement plan the build wrote for a class.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"group": {Type: "string", Description: "Dotted class name, e.g. pkg.Name"},
				},
				Required: []string{"group"},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []*mcp.Resource {
	return []*mcp.Resource{
		{
			URI:         "probecov://overview",
			Name:        "Store Overview",
			Description: "Stored ID-CFG counts per class",
			MIMEType:    "text/plain",
		},
		{
			URI:         "probecov://summary",
			Name:        "Session Summary",
			Description: "Summary written by the last coverage session",
			MIMEType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "probecov_list":
		group, _ := args["group"].(string)
		return handleList(ctx, s.store, group)
	case "probecov_graph":
		key, _ := args["key"].(string)
		return handleGraph(ctx, s.store, key)
	case "probecov_coverage":
		key, _ := args["key"].(string)
		return handleCoverage(ctx, s.store, s.logsDir, key)
	case "probecov_plan":
		group, _ := args["group"].(string)
		return handlePlan(s.planDir, group)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "probecov://overview":
		return getOverview(ctx, s.store)
	case "probecov://summary":
		return getSummary(s.logsDir)
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run serves the registered tools and resources over t until the client
// disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.server.Run(ctx, t)
}

// RunStdio serves the server on stdin and stdout.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// toolHandler adapts CallTool to the SDK. Tool failures are reported as
// error results so the client sees the message.
func (s *Server) toolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return errorResult(fmt.Errorf("decoding arguments: %w", err)), nil
			}
		}

		text, err := s.CallTool(ctx, name, args)
		if err != nil {
			return errorResult(err), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil
	}
}

func (s *Server) resourceHandler(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: uri, MIMEType: "text/plain", Text: content},
		},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}

// Tool Handlers

func handleList(ctx context.Context, store storage.Backend, group string) (string, error) {
	var (
		keys []string
		err  error
	)
	if group != "" {
		keys, err = store.ListGroup(ctx, group)
	} else {
		keys, err = store.ListAll(ctx)
	}
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "No ID-CFGs stored", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d ID-CFGs:\n\n", len(keys))
	for _, key := range keys {
		fmt.Fprintf(&sb, "- %s\n", key)
	}
	sb.WriteString("\nNext: Use `probecov_graph` or `probecov_coverage` on a key.")
	return sb.String(), nil
}

func handleGraph(ctx context.Context, store storage.Backend, key string) (string, error) {
	if key == "" {
		return "No key provided", nil
	}

	g, err := store.LoadCFG(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Sprintf("No ID-CFG stored under '%s'", key), nil
	}
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n```\n", g.Name())
	if err := g.Encode(&sb); err != nil {
		return "", err
	}
	sb.WriteString("```\n")

	if err := g.UpdateTestRequirements(); err != nil {
		fmt.Fprintf(&sb, "\nTest requirements unavailable: %v\n", err)
		return sb.String(), nil
	}
	info := g.CoverageInfo()
	nodes, edges, pairs := g.Uncovered()

	fmt.Fprintf(&sb, "\nTest requirements: %d nodes, %d edges, %d edge pairs\n",
		info.TotalNodes, info.TotalEdges, info.TotalEdgePairs)
	fmt.Fprintf(&sb, "Nodes: %s\n", joinStrings(nodes))
	fmt.Fprintf(&sb, "Edges: %s\n", joinStrings(edges))
	fmt.Fprintf(&sb, "Edge pairs: %s\n", joinStrings(pairs))
	return sb.String(), nil
}

func handleCoverage(ctx context.Context, store storage.Backend, logsDir, key string) (string, error) {
	if key == "" {
		return "No key provided", nil
	}

	rep, source, err := lookupReport(ctx, store, logsDir, key)
	if err != nil {
		return "", err
	}
	if source == "" {
		return fmt.Sprintf("No coverage recorded for '%s'", key), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s (%s)\n\n", rep.Name, source)
	c := rep.Coverage
	fmt.Fprintf(&sb, "Nodes:      %d/%d\n", c.NodesCovered, c.TotalNodes)
	fmt.Fprintf(&sb, "Edges:      %d/%d\n", c.EdgesCovered, c.TotalEdges)
	fmt.Fprintf(&sb, "Edge pairs: %d/%d\n", c.EdgePairsCovered, c.TotalEdgePairs)
	if source == "store" {
		fmt.Fprintf(&sb, "Entered:    %t\n", rep.Entered)
	}
	return sb.String(), nil
}

// lookupReport prefers the report kept by the store and falls back to the
// report file under logsDir. An empty source means neither exists.
func lookupReport(ctx context.Context, store storage.Backend, logsDir, key string) (report.Report, string, error) {
	if rs, ok := store.(storage.ReportStore); ok {
		rep, err := rs.LoadReport(ctx, key)
		if err == nil {
			return rep, "store", nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return report.Report{}, "", err
		}
	}

	if logsDir == "" {
		return report.Report{}, "", nil
	}
	rep, err := report.ReadFile(logsDir, key)
	if errors.Is(err, os.ErrNotExist) {
		return report.Report{}, "", nil
	}
	if err != nil {
		return report.Report{}, "", err
	}
	return rep, "logs", nil
}

func handlePlan(planDir, group string) (string, error) {
	if group == "" {
		return "No group provided", nil
	}
	if planDir == "" {
		return "Probe plans are disabled", nil
	}

	data, err := os.ReadFile(ingestion.PlanPath(planDir, group))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Sprintf("No probe plan for '%s'", group), nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Resource handlers

func getOverview(ctx context.Context, store storage.Backend) (string, error) {
	keys, err := store.ListAll(ctx)
	if err != nil {
		return "", err
	}

	var (
		groups []string
		counts = make(map[string]int)
	)
	for _, key := range keys {
		group := storage.GroupOf(key)
		if counts[group] == 0 {
			groups = append(groups, group)
		}
		counts[group]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Classes: %d\n", len(groups))
	fmt.Fprintf(&sb, "ID-CFGs: %d\n", len(keys))
	if len(groups) > 0 {
		sb.WriteString("\n")
	}
	for _, group := range groups {
		fmt.Fprintf(&sb, "%s: %d\n", group, counts[group])
	}
	return sb.String(), nil
}

func getSummary(logsDir string) (string, error) {
	if logsDir == "" {
		return "No logs directory configured", nil
	}
	data, err := os.ReadFile(filepath.Join(logsDir, "summary.txt"))
	if errors.Is(err, os.ErrNotExist) {
		return "No coverage session has finished yet", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Helper functions

func joinStrings[T fmt.Stringer](items []T) string {
	if len(items) == 0 {
		return "-"
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = item.String()
	}
	return strings.Join(parts, " ")
}
