package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Benny93/probecov/internal/idcfg"
	"github.com/Benny93/probecov/internal/report"
)

// Key prefixes for different data types
const (
	prefixCFG    = "c:" // text-encoded ID-CFG
	prefixReport = "r:" // msgpack-encoded coverage report
)

// BadgerBackend is a BadgerDB-backed store for graphs and reports.
type BadgerBackend struct {
	db          *badger.DB
	initialized bool
	mu          sync.RWMutex
}

// NewBadgerBackend creates a new BadgerDB backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithLoggingLevel(badger.ERROR)

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	var err error
	b.db, err = badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger DB: %w", err)
	}

	b.initialized = true
	return nil
}

// Close releases all resources held by the backend.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.db = nil
	b.initialized = false
	return err
}

func cfgKey(key string) []byte    { return []byte(prefixCFG + key) }
func reportKey(key string) []byte { return []byte(prefixReport + key) }

// SaveCFG implements Backend.
func (b *BadgerBackend) SaveCFG(ctx context.Context, g *idcfg.Graph) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, _, err := SplitKey(g.Key()); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(cfgKey(g.Key()), g.Bytes()); err != nil {
			return fmt.Errorf("setting cfg %s: %w", g.Key(), err)
		}
		return nil
	})
}

// LoadCFG implements Backend.
func (b *BadgerBackend) LoadCFG(ctx context.Context, key string) (*idcfg.Graph, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var g *idcfg.Graph
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cfgKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return fmt.Errorf("getting cfg %s: %w", key, err)
		}

		return item.Value(func(val []byte) error {
			decoded, err := idcfg.Decode(bytes.NewReader(val))
			if err != nil {
				return fmt.Errorf("decoding cfg %s: %w", key, err)
			}
			g = decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if g.Key() != key {
		return nil, fmt.Errorf("%w: %s holds graph %s", idcfg.ErrMalformed, key, g.Key())
	}
	return g, nil
}

// keysWithPrefix collects the storage keys under a key prefix.
func (b *BadgerBackend) keysWithPrefix(txn *badger.Txn, prefix string) []string {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), prefixCFG))
	}
	return keys
}

// ListGroup implements Backend.
func (b *BadgerBackend) ListGroup(ctx context.Context, group string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		keys = b.keysWithPrefix(txn, prefixCFG+group+"/")
		return nil
	})
	if err != nil {
		return nil, err
	}

	// A group name may prefix a nested group ("a.B/" vs "a.B/1/..."); keep
	// only direct children.
	direct := keys[:0]
	for _, k := range keys {
		if g, _, err := SplitKey(k); err == nil && g == group {
			direct = append(direct, k)
		}
	}
	SortKeys(direct)
	return direct, nil
}

// ListAll implements Backend.
func (b *BadgerBackend) ListAll(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		keys = b.keysWithPrefix(txn, prefixCFG)
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortKeys(keys)
	return keys, nil
}

// DeleteGroup implements Backend.
func (b *BadgerBackend) DeleteGroup(ctx context.Context, group string) (int, error) {
	keys, err := b.ListGroup(ctx, group)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, k := range keys {
		if err := wb.Delete(cfgKey(k)); err != nil {
			return 0, fmt.Errorf("deleting cfg %s: %w", k, err)
		}
		if err := wb.Delete(reportKey(k)); err != nil {
			return 0, fmt.Errorf("deleting report %s: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// SaveReports implements ReportStore. Reports are msgpack-encoded.
func (b *BadgerBackend) SaveReports(ctx context.Context, reports []report.Report) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, r := range reports {
		data, err := msgpack.Marshal(&r)
		if err != nil {
			return fmt.Errorf("marshaling report %s: %w", r.Key, err)
		}
		if err := wb.Set(reportKey(r.Key), data); err != nil {
			return fmt.Errorf("setting report %s: %w", r.Key, err)
		}
	}
	return wb.Flush()
}

// LoadReport implements ReportStore.
func (b *BadgerBackend) LoadReport(ctx context.Context, key string) (report.Report, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var r report.Report
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(reportKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: report %s", ErrNotFound, key)
		}
		if err != nil {
			return fmt.Errorf("getting report %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &r)
		})
	})
	return r, err
}
