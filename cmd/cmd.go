// Package cmd provides CLI command implementations for probecov.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Benny93/probecov/internal/bytecode"
	"github.com/Benny93/probecov/internal/cfg"
	"github.com/Benny93/probecov/internal/config"
	"github.com/Benny93/probecov/internal/ingestion"
	"github.com/Benny93/probecov/internal/logging"
	"github.com/Benny93/probecov/internal/registry"
	"github.com/Benny93/probecov/internal/report"
	"github.com/Benny93/probecov/internal/storage"
	"github.com/Benny93/probecov/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Globals holds the flags shared by every command. Set flags override the
// loaded configuration.
type Globals struct {
	Verbose bool `short:"v" help:"Enable verbose output"`
	Quiet   bool `short:"q" help:"Suppress non-essential output"`

	Store     string `help:"Storage backend: file, badger or memory"`
	CFGsDir   string `name:"cfgs-dir" help:"Directory of the file store"`
	BadgerDir string `name:"badger-dir" help:"Directory of the badger store"`
	LogsDir   string `name:"logs-dir" help:"Directory for reports and diagnostics"`
	PlanDir   string `name:"plan-dir" help:"Directory for probe plans"`
	LogLevel  string `name:"log-level" help:"Log level: debug, info, warn or error"`

	// loadConfig replaces config.Load in tests.
	loadConfig func() (*config.Config, error)
}

// Config loads the layered configuration and applies flag overrides.
func (g *Globals) Config() (*config.Config, error) {
	load := g.loadConfig
	if load == nil {
		load = config.Load
	}
	c, err := load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	override := func(flag string, dst *string) {
		if flag != "" {
			*dst = flag
		}
	}
	override(g.CFGsDir, &c.CFGsDir)
	override(g.BadgerDir, &c.BadgerDir)
	override(g.LogsDir, &c.LogsDir)
	override(g.PlanDir, &c.PlanDir)
	override(g.LogLevel, &c.LogLevel)
	if g.Store != "" {
		c.Store = config.StoreKind(g.Store)
	}
	switch {
	case g.Verbose:
		c.LogLevel = "debug"
	case g.Quiet:
		c.LogLevel = "error"
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	logging.Setup(c.Level())
	return c, nil
}

func (g *Globals) printf(format string, args ...any) {
	if !g.Quiet {
		fmt.Printf(format, args...)
	}
}

// BuildCmd builds ID-CFGs and probe plans for every listing under a path.
type BuildCmd struct {
	Path          string `arg:"" optional:"" default:"." help:"Directory of instruction listings"`
	NoExceptional bool   `help:"Skip exceptional (handler) edges"`
	NoSplit       bool   `help:"Use one probe per block even with exceptional exits"`
	Workers       int    `short:"j" help:"Listings built in parallel (0 uses the config)"`
}

// Run executes the build command.
func (c *BuildCmd) Run(g *Globals) error {
	conf, err := g.Config()
	if err != nil {
		return err
	}

	root, err := filepath.Abs(c.Path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("accessing %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	store, err := openStore(conf, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	opts := c.pipelineOptions(conf)

	if !g.Quiet {
		color.Green("Building %s", root)
	}

	progress := func(phase string, pct float64) {
		g.printf("\r\033[K%s (%.0f%%)", phase, pct*100)
	}

	result, err := ingestion.RunPipeline(context.Background(), root, store, opts, progress)
	if err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}
	g.printf("\n")

	if !g.Quiet {
		color.Green("\n✓ Build complete")
	}
	g.printf("  Listings:  %d\n", result.Listings)
	g.printf("  Classes:   %d\n", result.Classes)
	g.printf("  Methods:   %d\n", result.Methods)
	g.printf("  Probes:    %d\n", result.Probes)
	if result.DeadProbes > 0 {
		color.Yellow("  Dead:      %d unreachable probes (see log)", result.DeadProbes)
	}
	if result.Failed > 0 {
		color.Yellow("  Failed:    %d (see log)", result.Failed)
	}
	g.printf("  Duration:  %.2fs\n", result.DurationSecs)

	return nil
}

func (c *BuildCmd) pipelineOptions(conf *config.Config) ingestion.PipelineOptions {
	opts := ingestion.PipelineOptions{
		Probe: cfg.ProbeOptions{
			ExceptionalEdges: conf.ExceptionalEdges && !c.NoExceptional,
			SplitProbes:      conf.SplitProbes && !c.NoSplit,
		},
		Workers: conf.Workers,
		PlanDir: conf.PlanDir,
	}
	if c.Workers > 0 {
		opts.Workers = c.Workers
	}
	return opts
}

// RenderCmd writes the Graphviz rendering of one CFG stage.
type RenderCmd struct {
	Listing       string `arg:"" type:"existingfile" help:"Instruction listing"`
	Method        string `short:"m" help:"Method name, name+descriptor or index (default all)"`
	Stage         string `short:"s" enum:"instruction,block,probe" default:"probe" help:"CFG stage to render: instruction, block or probe"`
	NoExceptional bool   `help:"Skip exceptional (handler) edges"`
	NoSplit       bool   `help:"Use one probe per block even with exceptional exits"`
	Output        string `short:"o" help:"Write to file instead of stdout"`
}

// Run executes the render command.
func (c *RenderCmd) Run(g *Globals) error {
	conf, err := g.Config()
	if err != nil {
		return err
	}

	class, err := bytecode.LoadListing(c.Listing)
	if err != nil {
		return err
	}
	methods, err := selectMethods(class, c.Method)
	if err != nil {
		return err
	}

	opts := cfg.ProbeOptions{
		ExceptionalEdges: conf.ExceptionalEdges && !c.NoExceptional,
		SplitProbes:      conf.SplitProbes && !c.NoSplit,
	}

	var sb strings.Builder
	for _, m := range methods {
		dot, err := renderStage(m, c.Stage, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", m.DisplayName(), err)
		}
		sb.WriteString(dot)
	}

	return writeOutput(c.Output, sb.String())
}

func renderStage(m *bytecode.Method, stage string, opts cfg.ProbeOptions) (string, error) {
	switch stage {
	case "instruction":
		c, err := cfg.BuildInstructionCFG(m)
		if err != nil {
			return "", err
		}
		return c.DOT(), nil
	case "block":
		c, err := cfg.BuildBlockCFG(m, opts.ExceptionalEdges)
		if err != nil {
			return "", err
		}
		return c.DOT(), nil
	case "probe":
		c, err := cfg.BuildProbeCFG(m, opts)
		if err != nil {
			return "", err
		}
		return c.DOT(), nil
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

// selectMethods returns the methods matching sel, or all of them when sel
// is empty.
func selectMethods(class *bytecode.Class, sel string) ([]*bytecode.Method, error) {
	if sel == "" {
		return class.Methods, nil
	}

	var found []*bytecode.Method
	for _, m := range class.Methods {
		if m.Name == sel || m.Name+m.Descriptor == sel {
			found = append(found, m)
		}
	}
	if len(found) > 0 {
		return found, nil
	}

	if id, err := strconv.Atoi(sel); err == nil {
		for _, m := range class.Methods {
			if m.ID == id {
				return []*bytecode.Method{m}, nil
			}
		}
	}
	return nil, fmt.Errorf("no method %q in %s", sel, class.Name)
}

// PlanCmd prints the probe placement plan of a listing.
type PlanCmd struct {
	Listing       string `arg:"" type:"existingfile" help:"Instruction listing"`
	NoExceptional bool   `help:"Skip exceptional (handler) edges"`
	NoSplit       bool   `help:"Use one probe per block even with exceptional exits"`
	Output        string `short:"o" help:"Write to file instead of stdout"`
}

// Run executes the plan command.
func (c *PlanCmd) Run(g *Globals) error {
	conf, err := g.Config()
	if err != nil {
		return err
	}

	class, err := bytecode.LoadListing(c.Listing)
	if err != nil {
		return err
	}
	built, err := ingestion.BuildClass(class, cfg.ProbeOptions{
		ExceptionalEdges: conf.ExceptionalEdges && !c.NoExceptional,
		SplitProbes:      conf.SplitProbes && !c.NoSplit,
	})
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(built.Plan)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	return writeOutput(c.Output, string(data))
}

// ReplayCmd feeds recorded path traces through the coverage registry and
// writes the coverage reports.
type ReplayCmd struct {
	Traces      []string `arg:"" type:"existingfile" help:"Trace files, one '<key> <id>...' path per line"`
	Session     string   `help:"Session id for the summary (default random)"`
	MetricsAddr string   `name:"metrics-addr" help:"Serve Prometheus metrics on this address while replaying"`
}

// Run executes the replay command.
func (c *ReplayCmd) Run(g *Globals) error {
	conf, err := g.Config()
	if err != nil {
		return err
	}

	store, err := openStore(conf, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())

	reg, err := registry.New(registry.Options{
		Backend:    store,
		LogsDir:    conf.LogsDir,
		Registerer: promReg,
		Session:    c.Session,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-osSignalChannel():
			fmt.Fprintln(os.Stderr, "\nStopping replay...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if c.MetricsAddr != "" {
		_, stop, err := serveMetrics(c.MetricsAddr, promReg)
		if err != nil {
			_ = reg.Shutdown(context.Background())
			return err
		}
		defer stop()
	}

	results := make([]registry.ReplayResult, len(c.Traces))
	eg, egctx := errgroup.WithContext(ctx)
	for i, path := range c.Traces {
		eg.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := reg.Replay(egctx, f)
			results[i] = res
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			return nil
		})
	}
	replayErr := eg.Wait()

	// Reports are written even when a trace failed part way.
	shutdownErr := reg.Shutdown(context.Background())

	var total registry.ReplayResult
	for _, res := range results {
		total.Paths += res.Paths
		total.Newly += res.Newly
		total.Mismatches += res.Mismatches
	}
	stats := reg.Stats()

	if !g.Quiet {
		color.Green("Session %s", stats.Session)
	}
	g.printf("  Paths:          %d\n", total.Paths)
	g.printf("  Newly covered:  %d\n", total.Newly)
	g.printf("  Loaded CFGs:    %d (%d classes)\n", stats.Loaded, stats.Groups)
	g.printf("  Entered CFGs:   %d\n", stats.Entered)
	if total.Mismatches > 0 {
		color.Yellow("  Mismatches:     %d (see %s)", total.Mismatches, filepath.Join(conf.LogsDir, logging.DiagnosticsFile))
	}
	g.printf("  Reports:        %s\n", conf.LogsDir)

	return errors.Join(replayErr, shutdownErr)
}

// serveMetrics exposes reg on addr until the returned stop func is called.
// It returns the address actually bound.
func serveMetrics(addr string, reg *prometheus.Registry) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	fmt.Fprintf(os.Stderr, "Serving metrics on http://%s/metrics\n", ln.Addr())

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// ReportCmd shows the coverage recorded for one method.
type ReportCmd struct {
	Key string `arg:"" help:"Storage key, e.g. pkg.Name/0"`
}

// Run executes the report command.
func (c *ReportCmd) Run(g *Globals) error {
	conf, err := g.Config()
	if err != nil {
		return err
	}

	rep, err := c.lookup(conf)
	if err != nil {
		return err
	}

	color.Green("%s", rep.Name)
	printCoverage("Nodes", rep.Coverage.NodesCovered, rep.Coverage.TotalNodes)
	printCoverage("Edges", rep.Coverage.EdgesCovered, rep.Coverage.TotalEdges)
	printCoverage("Edge pairs", rep.Coverage.EdgePairsCovered, rep.Coverage.TotalEdgePairs)
	return nil
}

// lookup reads the report file written by the last session and falls back
// to the store's copy when there is none.
func (c *ReportCmd) lookup(conf *config.Config) (report.Report, error) {
	rep, err := report.ReadFile(conf.LogsDir, c.Key)
	if err == nil {
		return rep, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return report.Report{}, err
	}

	store, serr := openStore(conf, true)
	if serr != nil {
		return report.Report{}, fmt.Errorf("no report for %s", c.Key)
	}
	defer func() { _ = store.Close() }()

	if rs, ok := store.(storage.ReportStore); ok {
		rep, err := rs.LoadReport(context.Background(), c.Key)
		if err == nil {
			return rep, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return report.Report{}, err
		}
	}
	return report.Report{}, fmt.Errorf("no report for %s. Run 'probecov replay' first", c.Key)
}

func printCoverage(what string, covered, total int) {
	pct := 100.0
	if total > 0 {
		pct = float64(covered) * 100 / float64(total)
	}
	line := fmt.Sprintf("  %-11s %d/%d (%.1f%%)", what+":", covered, total, pct)
	switch {
	case covered == total:
		color.Green("%s", line)
	case covered == 0:
		color.Red("%s", line)
	default:
		color.Yellow("%s", line)
	}
}

// StatusCmd shows what the store holds.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run(g *Globals) error {
	conf, err := g.Config()
	if err != nil {
		return err
	}

	store, err := openStore(conf, true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	keys, err := store.ListAll(context.Background())
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	for _, key := range keys {
		counts[storage.GroupOf(key)]++
	}
	groups := make([]string, 0, len(counts))
	for group := range counts {
		groups = append(groups, group)
	}
	sort.Strings(groups)

	fmt.Printf("Store %s at %s\n", conf.Store, conf.StorePath())
	fmt.Printf("  Classes:  %d\n", len(groups))
	fmt.Printf("  ID-CFGs:  %d\n", len(keys))
	if g.Verbose {
		for _, group := range groups {
			fmt.Printf("    %s: %d\n", group, counts[group])
		}
	}

	if data, err := os.ReadFile(filepath.Join(conf.LogsDir, "summary.txt")); err == nil {
		fmt.Println()
		fmt.Println("Last session:")
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for _, line := range lines[:min(3, len(lines))] {
			fmt.Printf("  %s\n", line)
		}
	}

	return nil
}

// WatchCmd rebuilds listings as they change.
type WatchCmd struct {
	Path string `arg:"" optional:"" default:"." help:"Directory of instruction listings"`
}

// Run executes the watch command.
func (c *WatchCmd) Run(g *Globals) error {
	conf, err := g.Config()
	if err != nil {
		return err
	}

	root, err := filepath.Abs(c.Path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	store, err := openStore(conf, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	build := BuildCmd{}
	w, err := ingestion.NewWatcher(root, store, build.pipelineOptions(conf))
	if err != nil {
		return err
	}

	fmt.Println("## Watch Mode")
	fmt.Printf("Watching %s for changes (Ctrl+C to stop)\n\n", root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-osSignalChannel()
		fmt.Println("\nStopping watch mode...")
		cancel()
	}()

	err = w.Watch(ctx, printRebuild)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}

	fmt.Println("Watch mode stopped.")
	return nil
}

func printRebuild(ev ingestion.RebuildEvent) {
	switch {
	case ev.Err != nil:
		color.Red("✗ %s: %v", ev.RelPath, ev.Err)
	case ev.Removed:
		color.Yellow("- %s (%s removed)", ev.RelPath, ev.Group)
	case ev.Unchanged:
		fmt.Printf("= %s (%s unchanged)\n", ev.RelPath, ev.Group)
	default:
		color.Green("✓ %s (%s, %d methods)", ev.RelPath, ev.Group, ev.Methods)
	}
}

// MCPCmd starts the MCP server.
type MCPCmd struct{}

// Run executes the mcp command.
func (c *MCPCmd) Run(g *Globals) error {
	// Keep stdout for the protocol.
	g.Quiet = true
	conf, err := g.Config()
	if err != nil {
		return err
	}

	store, err := openStore(conf, true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	server := mcp.NewServer(mcp.Options{
		Store:   store,
		LogsDir: conf.LogsDir,
		PlanDir: conf.PlanDir,
	})
	return server.RunStdio(context.Background())
}

// CleanCmd deletes stored ID-CFGs.
type CleanCmd struct {
	Group string `arg:"" optional:"" help:"Only delete this class (dotted name)"`
	Force bool   `short:"f" help:"Skip confirmation"`

	in io.Reader
}

// Run executes the clean command.
func (c *CleanCmd) Run(g *Globals) error {
	conf, err := g.Config()
	if err != nil {
		return err
	}

	if c.Group != "" {
		return c.cleanGroup(g, conf)
	}

	dirs := []string{conf.StorePath(), conf.PlanDir, conf.LogsDir}
	var existing []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err == nil {
			existing = append(existing, dir)
		}
	}
	if len(existing) == 0 {
		return fmt.Errorf("nothing to clean")
	}

	if !c.confirm(fmt.Sprintf("Delete %s?", strings.Join(existing, ", "))) {
		fmt.Println("Aborted")
		return nil
	}

	for _, dir := range existing {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("deleting %s: %w", dir, err)
		}
		if !g.Quiet {
			color.Green("Deleted %s", dir)
		}
	}
	return nil
}

func (c *CleanCmd) cleanGroup(g *Globals, conf *config.Config) error {
	if !c.confirm(fmt.Sprintf("Delete ID-CFGs of %s?", c.Group)) {
		fmt.Println("Aborted")
		return nil
	}

	store, err := openStore(conf, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.DeleteGroup(context.Background(), c.Group)
	if err != nil {
		return err
	}
	if conf.PlanDir != "" {
		if err := os.Remove(ingestion.PlanPath(conf.PlanDir, c.Group)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if !g.Quiet {
		color.Green("Deleted %d ID-CFGs of %s", n, c.Group)
	}
	return nil
}

func (c *CleanCmd) confirm(prompt string) bool {
	if c.Force {
		return true
	}
	in := c.in
	if in == nil {
		in = os.Stdin
	}
	fmt.Printf("%s [y/N] ", prompt)
	var response string
	_, _ = fmt.Fscanln(in, &response)
	return response == "y" || response == "Y"
}

// Helper functions

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// openStore opens the configured store. Read-only opens need an existing
// store.
func openStore(conf *config.Config, readOnly bool) (storage.Backend, error) {
	path := conf.StorePath()
	if readOnly && conf.Store != config.StoreMemory {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("no ID-CFGs found at %s. Run 'probecov build' first", path)
		}
	}

	store, err := storage.Open(string(conf.Store), path, readOnly)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, nil
}

func writeOutput(path, content string) error {
	if path == "" {
		_, err := io.WriteString(os.Stdout, content)
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// CLI is the root Kong command structure.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Build  BuildCmd  `cmd:"" help:"Build ID-CFGs and probe plans from instruction listings"`
	Render RenderCmd `cmd:"" help:"Render a CFG stage of a listing as Graphviz DOT"`
	Plan   PlanCmd   `cmd:"" help:"Print the probe placement plan of a listing"`
	Replay ReplayCmd `cmd:"" help:"Replay recorded path traces and write coverage reports"`
	Report ReportCmd `cmd:"" help:"Show the coverage recorded for a method"`
	Status StatusCmd `cmd:"" help:"Show what the store holds"`
	Watch  WatchCmd  `cmd:"" help:"Rebuild listings as they change"`
	MCP    MCPCmd    `cmd:"" help:"Start MCP server (stdio transport)"`
	Clean  CleanCmd  `cmd:"" help:"Delete stored ID-CFGs, plans and reports"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	parser, err := kong.New(c,
		kong.Name("probecov"),
		kong.Description("Probe-based control-flow coverage for JVM methods"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kongCtx.Run(&c.Globals)
}
