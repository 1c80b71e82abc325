// Package memory is an in-process storage.Storage.
// Nothing survives the process; use storage/kv over Redis for that.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/unkn0wn-root/offcache/storage"
)

type Storage struct {
	mu     sync.RWMutex
	stores map[string]*store
	order  []string
}

var _ storage.Storage = (*Storage)(nil)

func New() *Storage {
	return &Storage{stores: make(map[string]*store)}
}

func (s *Storage) Open(_ context.Context, name string) (storage.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[name]
	if !ok {
		st = &store{name: name, entries: make(map[string]*storage.Entry)}
		s.stores[name] = st
		s.order = append(s.order, name)
	}
	return st, nil
}

func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	_, ok := s.stores[name]
	s.mu.RUnlock()
	return ok, nil
}

func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[name]; !ok {
		return false, nil
	}
	delete(s.stores, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *Storage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	out := append([]string(nil), s.order...)
	s.mu.RUnlock()
	return out, nil
}

type store struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*storage.Entry
}

func (st *store) Name() string { return st.name }

func (st *store) Match(_ context.Context, key string) (*storage.Entry, bool, error) {
	st.mu.RLock()
	e, ok := st.entries[key]
	st.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	// callers get their own copy; stored entries never change after Put
	return e.Clone(), true, nil
}

func (st *store) Put(_ context.Context, key string, e *storage.Entry) error {
	c := e.Clone()
	st.mu.Lock()
	st.entries[key] = c
	st.mu.Unlock()
	return nil
}

func (st *store) Keys(_ context.Context) ([]string, error) {
	st.mu.RLock()
	out := make([]string, 0, len(st.entries))
	for k := range st.entries {
		out = append(out, k)
	}
	st.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}
