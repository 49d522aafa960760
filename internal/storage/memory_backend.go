package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/Benny93/probecov/internal/idcfg"
	"github.com/Benny93/probecov/internal/report"
)

// MemoryBackend is an in-memory implementation of Backend for testing.
// Graphs are kept encoded so every load returns an independent copy.
type MemoryBackend struct {
	mu      sync.RWMutex
	cfgs    map[string][]byte
	reports map[string]report.Report
}

// NewMemoryBackend creates a new in-memory storage backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		cfgs:    make(map[string][]byte),
		reports: make(map[string]report.Report),
	}
}

// Initialize implements Backend.
func (m *MemoryBackend) Initialize(path string, readOnly bool) error {
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	return nil
}

// SaveCFG implements Backend.
func (m *MemoryBackend) SaveCFG(ctx context.Context, g *idcfg.Graph) error {
	if _, _, err := SplitKey(g.Key()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfgs[g.Key()] = g.Bytes()
	return nil
}

// LoadCFG implements Backend.
func (m *MemoryBackend) LoadCFG(ctx context.Context, key string) (*idcfg.Graph, error) {
	m.mu.RLock()
	data, ok := m.cfgs[key]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return idcfg.Decode(bytes.NewReader(data))
}

// ListGroup implements Backend.
func (m *MemoryBackend) ListGroup(ctx context.Context, group string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.cfgs {
		if GroupOf(k) == group {
			keys = append(keys, k)
		}
	}
	SortKeys(keys)
	return keys, nil
}

// ListAll implements Backend.
func (m *MemoryBackend) ListAll(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.cfgs))
	for k := range m.cfgs {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys, nil
}

// DeleteGroup implements Backend.
func (m *MemoryBackend) DeleteGroup(ctx context.Context, group string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for k := range m.cfgs {
		if GroupOf(k) == group {
			delete(m.cfgs, k)
			delete(m.reports, k)
			count++
		}
	}
	return count, nil
}

// SaveReports implements ReportStore.
func (m *MemoryBackend) SaveReports(ctx context.Context, reports []report.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range reports {
		m.reports[r.Key] = r
	}
	return nil
}

// LoadReport implements ReportStore.
func (m *MemoryBackend) LoadReport(ctx context.Context, key string) (report.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[key]
	if !ok {
		return report.Report{}, fmt.Errorf("%w: report %s", ErrNotFound, key)
	}
	return r, nil
}
