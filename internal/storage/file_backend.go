package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/Benny93/probecov/internal/idcfg"
)

// FileBackend stores one text-encoded ID-CFG per file under a root
// directory: <root>/<group>/<method id>.
type FileBackend struct {
	mu       sync.RWMutex
	root     string
	readOnly bool
}

// NewFileBackend creates a new file-tree backend.
func NewFileBackend() *FileBackend {
	return &FileBackend{}
}

// Initialize sets the root directory, creating it unless readOnly is set.
func (b *FileBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if readOnly {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("opening cfg directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("opening cfg directory: %s is not a directory", path)
		}
	} else if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating cfg directory: %w", err)
	}

	b.root = path
	b.readOnly = readOnly
	return nil
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	return nil
}

// Root returns the directory graphs are stored under.
func (b *FileBackend) Root() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.root
}

func (b *FileBackend) path(key string) (string, error) {
	group, id, err := SplitKey(key)
	if err != nil {
		return "", err
	}
	if err := ValidGroup(group); err != nil {
		return "", err
	}
	return filepath.Join(b.root, group, strconv.Itoa(id)), nil
}

// SaveCFG implements Backend.
func (b *FileBackend) SaveCFG(ctx context.Context, g *idcfg.Graph) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readOnly {
		return fmt.Errorf("saving %s: store is read-only", g.Key())
	}
	path, err := b.path(g.Key())
	if err != nil {
		return fmt.Errorf("saving %s: %w", g.Key(), err)
	}
	return g.WriteFile(path)
}

// LoadCFG implements Backend.
func (b *FileBackend) LoadCFG(ctx context.Context, key string) (*idcfg.Graph, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	path, err := b.path(key)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", key, err)
	}
	g, err := idcfg.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	if g.Key() != key {
		return nil, fmt.Errorf("%w: %s holds graph %s", idcfg.ErrMalformed, key, g.Key())
	}
	return g, nil
}

// ListGroup implements Backend.
func (b *FileBackend) ListGroup(ctx context.Context, group string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listGroup(group)
}

func (b *FileBackend) listGroup(group string) ([]string, error) {
	if err := ValidGroup(group); err != nil {
		return nil, fmt.Errorf("listing group: %w", err)
	}
	entries, err := os.ReadDir(filepath.Join(b.root, group))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing group %s: %w", group, err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key := group + "/" + e.Name()
		if _, _, err := SplitKey(key); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	SortKeys(keys)
	return keys, nil
}

// ListAll implements Backend.
func (b *FileBackend) ListAll(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", b.root, err)
	}

	var keys []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		group, err := b.listGroup(e.Name())
		if err != nil {
			return nil, err
		}
		keys = append(keys, group...)
	}
	SortKeys(keys)
	return keys, nil
}

// DeleteGroup implements Backend.
func (b *FileBackend) DeleteGroup(ctx context.Context, group string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readOnly {
		return 0, fmt.Errorf("deleting %s: store is read-only", group)
	}

	keys, err := b.listGroup(group)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(filepath.Join(b.root, group)); err != nil {
		return 0, fmt.Errorf("deleting group %s: %w", group, err)
	}
	return len(keys), nil
}
