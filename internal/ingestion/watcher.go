package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/Benny93/probecov/internal/bytecode"
	"github.com/Benny93/probecov/internal/storage"
)

// BatchInterval is how long the watcher waits for more events before
// rebuilding the changed listings.
const BatchInterval = 500 * time.Millisecond

// RebuildEvent reports the outcome for one changed listing.
type RebuildEvent struct {
	RelPath string
	Group   string
	Removed bool
	Methods int
	Err     error

	// Unchanged is set when the listing content matches the last build.
	Unchanged bool
}

// Watcher rebuilds listings under a root as they change.
type Watcher struct {
	root    string
	store   storage.Backend
	opts    PipelineOptions
	matcher gitignore.Matcher
	log     *slog.Logger

	// groups remembers which class each listing produced so deletions can
	// drop the stored graphs.
	groups map[string]string

	// hashes holds the content hash of each listing the watcher stored.
	hashes map[string]string
}

// NewWatcher creates a watcher over root. Listings already in the tree are
// not rebuilt until they change; run RunPipeline first for that.
func NewWatcher(root string, store storage.Backend, opts PipelineOptions) (*Watcher, error) {
	matcher, err := loadMatcher(root)
	if err != nil {
		return nil, fmt.Errorf("loading .gitignore: %w", err)
	}

	w := &Watcher{
		root:    root,
		store:   store,
		opts:    opts,
		matcher: matcher,
		log:     slog.Default(),
		groups:  make(map[string]string),
		hashes:  make(map[string]string),
	}

	patterns, err := loadGitignore(root)
	if err != nil {
		return nil, fmt.Errorf("loading .gitignore: %w", err)
	}
	entries, err := WalkListings(root, patterns)
	if err != nil {
		return nil, fmt.Errorf("walking listings: %w", err)
	}
	for _, entry := range entries {
		if c, err := bytecode.ParseListing(entry.Content); err == nil {
			w.groups[entry.RelPath] = strings.ReplaceAll(c.Name, "/", ".")
		}
	}

	return w, nil
}

// Group returns the class a listing last produced, if known.
func (w *Watcher) Group(relPath string) (string, bool) {
	g, ok := w.groups[relPath]
	return g, ok
}

// Watch monitors the root for listing changes and rebuilds them in batches.
// Each outcome is passed to onEvent if it is non-nil. Blocks until the
// context is cancelled.
func (w *Watcher) Watch(ctx context.Context, onEvent func(RebuildEvent)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := w.addTree(fsw, w.root); err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	changed := make(map[string]bool)
	batchTimer := time.NewTimer(BatchInterval)
	batchTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fsw, event.Name); err != nil {
						w.log.Warn("watching new directory", "path", event.Name, "error", err)
					}
					continue
				}
			}

			if !w.shouldWatchFile(event.Name) {
				continue
			}
			relPath, err := filepath.Rel(w.root, event.Name)
			if err != nil {
				continue
			}
			changed[relPath] = true
			batchTimer.Reset(BatchInterval)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)

		case <-batchTimer.C:
			for _, ev := range w.processChanged(ctx, changed) {
				if onEvent != nil {
					onEvent(ev)
				}
			}
			changed = make(map[string]bool)
		}
	}
}

// addTree registers dir and every non-ignored directory below it.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && shouldSkipDir(d.Name(), path, w.root, w.matcher) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

// processChanged rebuilds or removes each changed listing, in path order.
func (w *Watcher) processChanged(ctx context.Context, changed map[string]bool) []RebuildEvent {
	paths := make([]string, 0, len(changed))
	for p := range changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	events := make([]RebuildEvent, 0, len(paths))
	for _, relPath := range paths {
		events = append(events, w.process(ctx, relPath))
	}
	return events
}

func (w *Watcher) process(ctx context.Context, relPath string) RebuildEvent {
	ev := RebuildEvent{RelPath: relPath}
	absPath := filepath.Join(w.root, relPath)

	info, err := os.Stat(absPath)
	if os.IsNotExist(err) {
		ev.Removed = true
		ev.Group = w.groups[relPath]
		if ev.Group != "" {
			_, ev.Err = w.store.DeleteGroup(ctx, ev.Group)
			delete(w.groups, relPath)
			delete(w.hashes, relPath)
		}
		return ev
	}
	if err != nil {
		ev.Err = err
		return ev
	}
	if info.IsDir() {
		return ev
	}

	entry, err := readListingEntry(absPath, relPath)
	if err != nil {
		ev.Err = err
		return ev
	}

	if w.hashes[relPath] == entry.SHA256 {
		ev.Group = w.groups[relPath]
		ev.Unchanged = true
		return ev
	}

	built, err := buildListing(entry, w.opts.Probe)
	if err != nil {
		ev.Err = err
		return ev
	}

	// A listing renamed to another class leaves the old group behind.
	if old := w.groups[relPath]; old != "" && old != built.Group {
		if _, err := w.store.DeleteGroup(ctx, old); err != nil {
			ev.Err = err
			return ev
		}
	}

	ev.Group = built.Group
	ev.Methods = len(built.Graphs)
	ev.Err = storeClass(ctx, w.store, built, w.opts.PlanDir)
	if ev.Err == nil {
		w.groups[relPath] = built.Group
		w.hashes[relPath] = entry.SHA256
	}
	return ev
}

// shouldWatchFile checks if a path is a non-ignored listing.
func (w *Watcher) shouldWatchFile(path string) bool {
	relPath, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	if w.matcher != nil && w.matcher.Match(splitPath(relPath), false) {
		return false
	}
	return isListingFile(filepath.Base(path))
}
