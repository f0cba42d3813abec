// Package memstore provides an in-memory implementation of the store.Store
// interface backed by github.com/google/btree. It is suitable for tests and
// single-process deployments; durability is scoped to the process lifetime.
package memstore

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/durablemcp/server-go/store"
)

type entry struct {
	key   string
	value []byte
}

func lessEntry(a, b entry) bool { return a.key < b.key }

// Store implements store.Store with one btree per collection.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*btree.BTreeG[entry]
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string]*btree.BTreeG[entry]),
	}
}

func (s *Store) Insert(ctx context.Context, collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.collections[collection]
	if !ok {
		tree = btree.NewG(8, lessEntry)
		s.collections[collection] = tree
	}

	v := make([]byte, len(value))
	copy(v, value)
	tree.ReplaceOrInsert(entry{key: key, value: v})
	return nil
}

func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, ok := s.collections[collection]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	item, ok := tree.Get(entry{key: key})
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	v := make([]byte, len(item.value))
	copy(v, item.value)
	return v, nil
}

func (s *Store) Range(ctx context.Context, collection string, opts store.RangeOptions) ([]store.Entry, error) {
	if opts.Limit <= 0 {
		return nil, store.ErrLimitRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, ok := s.collections[collection]
	if !ok {
		return nil, nil
	}

	var out []store.Entry
	iter := func(it entry) bool {
		if opts.End != "" && it.key >= opts.End {
			return false
		}
		out = append(out, copyEntry(it))
		return len(out) < opts.Limit
	}
	if opts.Start != "" {
		tree.AscendGreaterOrEqual(entry{key: opts.Start}, iter)
	} else {
		tree.Ascend(iter)
	}
	return out, nil
}

func (s *Store) ReverseRange(ctx context.Context, collection string, opts store.RangeOptions) ([]store.Entry, error) {
	if opts.Limit <= 0 {
		return nil, store.ErrLimitRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, ok := s.collections[collection]
	if !ok {
		return nil, nil
	}

	var out []store.Entry
	iter := func(it entry) bool {
		if opts.End != "" && it.key >= opts.End {
			// DescendLessOrEqual includes the pivot; the end bound is
			// exclusive so the pivot itself is skipped.
			return true
		}
		if opts.Start != "" && it.key < opts.Start {
			return false
		}
		out = append(out, copyEntry(it))
		return len(out) < opts.Limit
	}
	if opts.End != "" {
		tree.DescendLessOrEqual(entry{key: opts.End}, iter)
	} else {
		tree.Descend(iter)
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tree, ok := s.collections[collection]; ok {
		tree.Delete(entry{key: key})
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string]*btree.BTreeG[entry])
	return nil
}

func copyEntry(it entry) store.Entry {
	v := make([]byte, len(it.value))
	copy(v, it.value)
	return store.Entry{Key: it.key, Value: v}
}

var _ store.Store = (*Store)(nil)
