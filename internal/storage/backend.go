// Package storage persists ID-CFGs and coverage reports.
//
// It defines the Backend interface every store implements, along with the
// storage-key helpers shared by all backends. A storage key has the form
// "<group>/<method id>" where the group is the dotted class name.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Benny93/probecov/internal/idcfg"
	"github.com/Benny93/probecov/internal/report"
)

// ErrNotFound is returned when a key has no stored graph or report.
var ErrNotFound = errors.New("storage: not found")

// Backend defines the interface for ID-CFG stores.
//
// Implementations must be thread-safe and support concurrent access.
type Backend interface {
	// Initialize opens or creates the store at the given path.
	// If readOnly is true, the store is opened in read-only mode.
	Initialize(path string, readOnly bool) error

	// Close releases all resources held by the backend.
	Close() error

	// SaveCFG stores g under its storage key, replacing any previous graph.
	SaveCFG(ctx context.Context, g *idcfg.Graph) error

	// LoadCFG returns a freshly decoded graph for key, or ErrNotFound.
	LoadCFG(ctx context.Context, key string) (*idcfg.Graph, error)

	// ListGroup returns the keys stored for a group, ordered by method id.
	ListGroup(ctx context.Context, group string) ([]string, error)

	// ListAll returns every stored key, ordered by group then method id.
	ListAll(ctx context.Context) ([]string, error)

	// DeleteGroup removes every graph of a group and returns how many
	// were removed.
	DeleteGroup(ctx context.Context, group string) (int, error)
}

// ReportStore is implemented by backends that can also keep coverage
// reports next to the graphs.
type ReportStore interface {
	SaveReports(ctx context.Context, reports []report.Report) error
	LoadReport(ctx context.Context, key string) (report.Report, error)
}

// SplitKey splits a storage key into its group and method id.
func SplitKey(key string) (string, int, error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return "", 0, fmt.Errorf("invalid storage key %q", key)
	}
	id, err := strconv.Atoi(key[i+1:])
	if err != nil || id < 0 {
		return "", 0, fmt.Errorf("invalid method id in storage key %q", key)
	}
	return key[:i], id, nil
}

// ValidGroup reports an error unless group is a single local path
// element, so file-backed stores never resolve it outside their root.
func ValidGroup(group string) error {
	if group == "." || strings.ContainsAny(group, `/\`) || !filepath.IsLocal(group) {
		return fmt.Errorf("invalid group %q", group)
	}
	return nil
}

// GroupOf returns the group of a storage key, or the key itself if it has
// no group part.
func GroupOf(key string) string {
	if group, _, err := SplitKey(key); err == nil {
		return group
	}
	return key
}

// SortKeys orders keys by group, then numerically by method id. Keys that
// do not parse sort after valid keys of the same prefix.
func SortKeys(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		gi, ii, erri := SplitKey(keys[i])
		gj, ij, errj := SplitKey(keys[j])
		switch {
		case erri != nil || errj != nil:
			return keys[i] < keys[j]
		case gi != gj:
			return gi < gj
		default:
			return ii < ij
		}
	})
}

// Open creates and initializes a backend of the given kind ("file",
// "badger" or "memory").
func Open(kind, path string, readOnly bool) (Backend, error) {
	var b Backend
	switch kind {
	case "file":
		b = NewFileBackend()
	case "badger":
		b = NewBadgerBackend()
	case "memory":
		b = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}

	if err := b.Initialize(path, readOnly); err != nil {
		return nil, err
	}
	return b, nil
}
