// Package registry is the runtime side of coverage collection: it loads
// ID-CFGs on demand, records executed paths against them and writes the
// coverage reports once the run is over.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/Benny93/probecov/internal/idcfg"
	"github.com/Benny93/probecov/internal/logging"
	"github.com/Benny93/probecov/internal/report"
	"github.com/Benny93/probecov/internal/storage"
)

var (
	// ErrNotLoaded is returned when a path is reported for a graph that was
	// never loaded.
	ErrNotLoaded = errors.New("registry: graph not loaded")

	// ErrKeyMismatch is returned when the graph cached under a key carries
	// a different key.
	ErrKeyMismatch = errors.New("registry: cached graph has a different key")

	// ErrShutdown is returned for calls made after Shutdown.
	ErrShutdown = errors.New("registry: shut down")
)

// Options configures a Registry.
type Options struct {
	// Backend holds the ID-CFGs. Required.
	Backend storage.Backend

	// LogsDir receives summary.txt and one report per loaded graph.
	LogsDir string

	// Diagnostics receives bookkeeping mismatches. When nil the registry
	// opens LogsDir/diagnostics.log and closes it on Shutdown.
	Diagnostics *slog.Logger

	// Registerer receives the registry metrics. When nil a private
	// registry is used.
	Registerer prometheus.Registerer

	// Session identifies the run in the summary. Defaults to a new UUID.
	Session string
}

// Registry caches loaded ID-CFGs by storage key.
type Registry struct {
	backend storage.Backend
	logsDir string
	session string
	diag    *slog.Logger
	metrics *Metrics

	closeDiag func() error

	graphs sync.Map // storage key -> *idcfg.Graph
	groups sync.Map // group -> struct{}
	loads  singleflight.Group
	count  atomic.Int64

	shutdownOnce sync.Once
	shutdownErr  error
	closed       atomic.Bool
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Session string
	Groups  int
	Loaded  int
	Entered int
}

// New creates a registry over the given backend.
func New(opts Options) (*Registry, error) {
	if opts.Backend == nil {
		return nil, errors.New("registry: backend is required")
	}
	if opts.LogsDir == "" {
		return nil, errors.New("registry: logs directory is required")
	}

	r := &Registry{
		backend: opts.Backend,
		logsDir: opts.LogsDir,
		session: opts.Session,
		diag:    opts.Diagnostics,
	}

	if r.session == "" {
		r.session = uuid.NewString()
	}

	if r.diag == nil {
		fl, err := logging.NewFileLogger(opts.LogsDir, slog.LevelInfo)
		if err != nil {
			return nil, err
		}
		r.diag = fl.Logger
		r.closeDiag = fl.Close
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.metrics = newMetrics(reg)

	return r, nil
}

// Session returns the session id written to the summary.
func (r *Registry) Session() string { return r.session }

// Metrics returns the registry collectors.
func (r *Registry) Metrics() *Metrics { return r.metrics }

// Load loads every stored ID-CFG of group that is not cached yet and derives
// its test requirements before publishing it. Concurrent loads of one group
// share a single backend pass; loading a group again is a no-op.
func (r *Registry) Load(ctx context.Context, group string) error {
	if r.closed.Load() {
		return ErrShutdown
	}
	if _, ok := r.groups.Load(group); ok {
		r.metrics.LoadsTotal.WithLabelValues("cached").Inc()
		return nil
	}

	_, err, _ := r.loads.Do(group, func() (any, error) {
		if _, ok := r.groups.Load(group); ok {
			return nil, nil
		}
		return nil, r.loadGroup(ctx, group)
	})
	if err != nil {
		r.metrics.LoadsTotal.WithLabelValues("error").Inc()
		return err
	}
	r.metrics.LoadsTotal.WithLabelValues("loaded").Inc()
	return nil
}

func (r *Registry) loadGroup(ctx context.Context, group string) error {
	keys, err := r.backend.ListGroup(ctx, group)
	if err != nil {
		return fmt.Errorf("listing %s: %w", group, err)
	}

	for _, key := range keys {
		if _, ok := r.graphs.Load(key); ok {
			continue
		}

		g, err := r.backend.LoadCFG(ctx, key)
		if err != nil {
			return fmt.Errorf("loading %s: %w", key, err)
		}
		g.SetLogger(r.diag)
		if err := g.UpdateTestRequirements(); err != nil {
			return fmt.Errorf("loading %s: %w", key, err)
		}

		if _, loaded := r.graphs.LoadOrStore(key, g); !loaded {
			r.count.Add(1)
			r.metrics.GraphsLoaded.Inc()
		}
	}

	r.groups.Store(group, struct{}{})
	return nil
}

// Graph returns the cached graph for key.
func (r *Registry) Graph(key string) (*idcfg.Graph, bool) {
	v, ok := r.graphs.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*idcfg.Graph), true
}

// ReportPath records an executed path of the method stored under key: the
// graph is marked entered and the requirements the path meets are covered.
// Elements without a requirement are logged and returned, not failed on.
func (r *Registry) ReportPath(key string, path idcfg.Path) (idcfg.CoverResult, error) {
	if r.closed.Load() {
		return idcfg.CoverResult{}, ErrShutdown
	}

	g, ok := r.Graph(key)
	if !ok {
		r.diag.Error("graph not loaded", "key", key)
		return idcfg.CoverResult{}, fmt.Errorf("%w: %s", ErrNotLoaded, key)
	}
	if g.Key() != key {
		r.diag.Error("cached graph has a different key", "key", key, "graph", g.Key())
		return idcfg.CoverResult{}, fmt.Errorf("%w: %s holds %s", ErrKeyMismatch, key, g.Key())
	}

	g.MarkEntered()
	res := g.CoverTestRequirements(path)

	r.metrics.PathsTotal.Inc()
	r.metrics.NewlyCoveredTotal.Add(float64(res.Newly))
	for _, m := range res.Mismatches {
		r.metrics.MismatchesTotal.WithLabelValues(m.Kind.String()).Inc()
	}
	return res, nil
}

// loaded returns the cached graphs ordered by storage key.
func (r *Registry) loaded() []*idcfg.Graph {
	var graphs []*idcfg.Graph
	r.graphs.Range(func(_, v any) bool {
		graphs = append(graphs, v.(*idcfg.Graph))
		return true
	})
	sort.Slice(graphs, func(i, j int) bool { return graphs[i].Key() < graphs[j].Key() })
	return graphs
}

// Reports returns a coverage report for every loaded graph.
func (r *Registry) Reports() []report.Report {
	graphs := r.loaded()
	reports := make([]report.Report, 0, len(graphs))
	for _, g := range graphs {
		reports = append(reports, report.FromGraph(g))
	}
	return reports
}

// Stats returns the current registry counters.
func (r *Registry) Stats() Stats {
	s := Stats{Session: r.session, Loaded: int(r.count.Load())}
	r.groups.Range(func(_, _ any) bool {
		s.Groups++
		return true
	})
	r.graphs.Range(func(_, v any) bool {
		if v.(*idcfg.Graph).Entered() {
			s.Entered++
		}
		return true
	})
	return s
}

// Shutdown writes summary.txt and one report per loaded graph under the
// logs directory, stores the reports in the backend when it keeps reports
// and closes the diagnostic log. Only the first call does any work; later
// calls return its result.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		r.shutdownErr = r.flush(ctx)
	})
	return r.shutdownErr
}

func (r *Registry) flush(ctx context.Context) error {
	var errs []error

	all, err := r.backend.ListAll(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("counting stored graphs: %w", err))
	}

	reports := r.Reports()
	summary := report.Summary{
		Session: r.session,
		Loaded:  make(map[string]string, len(reports)),
		Total:   len(all),
	}
	for _, rep := range reports {
		summary.Loaded[rep.Key] = rep.Name
		if rep.Entered {
			summary.Entered = append(summary.Entered, rep.Key)
		}
	}

	if _, err := summary.WriteFile(r.logsDir); err != nil {
		errs = append(errs, err)
	}
	for _, rep := range reports {
		if _, err := rep.WriteFile(r.logsDir); err != nil {
			errs = append(errs, err)
		}
	}

	if rs, ok := r.backend.(storage.ReportStore); ok && len(reports) > 0 {
		if err := rs.SaveReports(ctx, reports); err != nil {
			errs = append(errs, fmt.Errorf("storing reports: %w", err))
		}
	}

	if r.closeDiag != nil {
		if err := r.closeDiag(); err != nil {
			errs = append(errs, fmt.Errorf("closing diagnostics: %w", err))
		}
	}

	return errors.Join(errs...)
}
