package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Benny93/probecov/internal/bytecode"
	"github.com/Benny93/probecov/internal/cfg"
	"github.com/Benny93/probecov/internal/idcfg"
	"github.com/Benny93/probecov/internal/storage"
)

// PipelineOptions configures a build over a listing tree.
type PipelineOptions struct {
	// Probe selects exceptional edges and split probes.
	Probe cfg.ProbeOptions

	// Workers bounds the number of listings built concurrently.
	Workers int

	// PlanDir receives one probe plan per class. Empty disables plans.
	PlanDir string
}

// PipelineResult summarizes a pipeline run.
type PipelineResult struct {
	Listings     int
	Classes      int
	Methods      int
	Probes       int
	Failed       int
	DeadProbes   int
	DurationSecs float64
}

// ProgressCallback is called with phase name and progress (0.0-1.0).
type ProgressCallback func(phase string, progress float64)

// MethodPlan lists the probes of one method.
type MethodPlan struct {
	Key    string               `yaml:"key"`
	Name   string               `yaml:"name"`
	Probes []cfg.ProbePlacement `yaml:"probes"`
}

// ClassPlan is the probe plan of one class, written as YAML for the
// instrumentation step.
type ClassPlan struct {
	Class   string       `yaml:"class"`
	Methods []MethodPlan `yaml:"methods"`
}

// BuiltClass holds the graphs and plan of one class.
type BuiltClass struct {
	Group  string
	Graphs []*idcfg.Graph
	Plan   ClassPlan

	// Dead counts probes no path from their method's root reaches.
	Dead int
}

// BuildClass runs the three CFG stages for every method of c and projects
// the probe graphs onto ID-CFGs with their test requirements derived. Any
// structural error aborts the class.
func BuildClass(c *bytecode.Class, opts cfg.ProbeOptions) (*BuiltClass, error) {
	group := strings.ReplaceAll(c.Name, "/", ".")
	built := &BuiltClass{
		Group: group,
		Plan:  ClassPlan{Class: group},
	}

	for _, m := range c.Methods {
		p, err := cfg.BuildProbeCFG(m, opts)
		if err != nil {
			return nil, fmt.Errorf("building %s: %w", m.DisplayName(), err)
		}

		g := idcfg.FromProbeCFG(p, m.StorageKey(), m.DisplayName())
		if err := g.UpdateTestRequirements(); err != nil {
			return nil, fmt.Errorf("building %s: %w", m.DisplayName(), err)
		}
		if dead := DeadProbes(g); len(dead) > 0 {
			slog.Warn("unreachable probes", "method", m.DisplayName(), "probes", dead)
			built.Dead += len(dead)
		}

		built.Graphs = append(built.Graphs, g)
		built.Plan.Methods = append(built.Plan.Methods, MethodPlan{
			Key:    m.StorageKey(),
			Name:   m.DisplayName(),
			Probes: p.Placements(),
		})
	}

	return built, nil
}

// Probes returns the total probe count of the class.
func (b *BuiltClass) Probes() int {
	n := 0
	for _, g := range b.Graphs {
		n += g.NodeCount()
	}
	return n
}

// PlanPath returns where the plan of a group is written under dir.
func PlanPath(dir, group string) string {
	return filepath.Join(dir, group+".plan.yaml")
}

// WritePlan writes the class plan as YAML under dir.
func WritePlan(dir string, plan ClassPlan) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating plan directory: %w", err)
	}

	path := PlanPath(dir, plan.Class)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating plan %s: %w", path, err)
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(plan); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing plan %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing plan %s: %w", path, err)
	}
	return path, f.Close()
}

// ReadPlan reads a class plan written by WritePlan.
func ReadPlan(path string) (ClassPlan, error) {
	var plan ClassPlan
	data, err := os.ReadFile(path)
	if err != nil {
		return plan, err
	}
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return plan, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	return plan, nil
}

// storeClass replaces the stored graphs of the class and writes its plan.
func storeClass(ctx context.Context, store storage.Backend, built *BuiltClass, planDir string) error {
	if err := storage.ValidGroup(built.Group); err != nil {
		return fmt.Errorf("storing class: %w", err)
	}
	if _, err := store.DeleteGroup(ctx, built.Group); err != nil {
		return fmt.Errorf("clearing %s: %w", built.Group, err)
	}
	for _, g := range built.Graphs {
		if err := store.SaveCFG(ctx, g); err != nil {
			return fmt.Errorf("saving %s: %w", g.Key(), err)
		}
	}
	if planDir != "" {
		if _, err := WritePlan(planDir, built.Plan); err != nil {
			return err
		}
	}
	return nil
}

// claimGroup records relPath as the listing a group is built from. Only the
// first listing declaring a class stores it; later ones are rejected.
func claimGroup(mu *sync.Mutex, owners map[string]string, group, relPath string) error {
	mu.Lock()
	defer mu.Unlock()
	if owner, ok := owners[group]; ok {
		return fmt.Errorf("%s: class %s is already declared by %s", relPath, group, owner)
	}
	owners[group] = relPath
	return nil
}

// buildListing parses and builds one listing entry.
func buildListing(entry ListingEntry, opts cfg.ProbeOptions) (*BuiltClass, error) {
	c, err := bytecode.ParseListing(entry.Content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.RelPath, err)
	}
	built, err := BuildClass(c, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.RelPath, err)
	}
	return built, nil
}

// RunPipeline builds every listing under root and stores the resulting
// ID-CFGs. A listing that fails to parse or build is logged and counted;
// storage failures abort the run.
func RunPipeline(
	ctx context.Context,
	root string,
	store storage.Backend,
	opts PipelineOptions,
	progress ProgressCallback,
) (*PipelineResult, error) {
	start := time.Now()
	result := &PipelineResult{}

	if progress != nil {
		progress("Walking listings", 0.0)
	}

	patterns, err := loadGitignore(root)
	if err != nil {
		return nil, fmt.Errorf("loading .gitignore: %w", err)
	}
	entries, err := WalkListings(root, patterns)
	if err != nil {
		return nil, fmt.Errorf("walking listings: %w", err)
	}
	result.Listings = len(entries)

	if progress != nil {
		progress("Walking listings", 1.0)
		progress("Building CFGs", 0.0)
	}

	var (
		mu   sync.Mutex
		done int
		// owners maps each group to the listing it is built from.
		owners = make(map[string]string)
	)

	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}

	for _, entry := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			built, buildErr := buildListing(entry, opts.Probe)
			if buildErr == nil {
				buildErr = claimGroup(&mu, owners, built.Group, entry.RelPath)
			}
			if buildErr == nil {
				if err := storeClass(gctx, store, built, opts.PlanDir); err != nil {
					return err
				}
			} else {
				slog.Error("listing skipped", "path", entry.RelPath, "error", buildErr)
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			if buildErr != nil {
				result.Failed++
			} else {
				result.Classes++
				result.Methods += len(built.Graphs)
				result.Probes += built.Probes()
				result.DeadProbes += built.Dead
			}
			if progress != nil {
				progress("Building CFGs", float64(done)/float64(len(entries)))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if progress != nil && len(entries) == 0 {
		progress("Building CFGs", 1.0)
	}

	result.DurationSecs = time.Since(start).Seconds()
	return result, nil
}
