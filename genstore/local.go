package genstore

import (
	"context"
	"sort"
	"sync"
)

type localGen struct {
	members map[string]struct{}
}

// Local keeps generation metadata in-process.
type Local struct {
	mu   sync.RWMutex
	gens map[string]*localGen
	seq  []string
}

var _ Registry = (*Local)(nil)

func NewLocal() *Local {
	return &Local{gens: make(map[string]*localGen)}
}

func (s *Local) Add(_ context.Context, gen string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gens[gen]; ok {
		return false, nil
	}
	s.gens[gen] = &localGen{members: make(map[string]struct{})}
	s.seq = append(s.seq, gen)
	return true, nil
}

func (s *Local) Contains(_ context.Context, gen string) (bool, error) {
	s.mu.RLock()
	_, ok := s.gens[gen]
	s.mu.RUnlock()
	return ok, nil
}

func (s *Local) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	out := append([]string(nil), s.seq...)
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Remove(_ context.Context, gen string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gens[gen]; !ok {
		return false, nil
	}
	delete(s.gens, gen)
	for i, g := range s.seq {
		if g == gen {
			s.seq = append(s.seq[:i], s.seq[i+1:]...)
			break
		}
	}
	return true, nil
}

// Track on an unknown generation adds it first.
func (s *Local) Track(_ context.Context, gen, key string) error {
	s.mu.Lock()
	g, ok := s.gens[gen]
	if !ok {
		g = &localGen{members: make(map[string]struct{})}
		s.gens[gen] = g
		s.seq = append(s.seq, gen)
	}
	g.members[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Local) Members(_ context.Context, gen string) ([]string, error) {
	s.mu.RLock()
	g, ok := s.gens[gen]
	if !ok {
		s.mu.RUnlock()
		return nil, nil
	}
	out := make([]string, 0, len(g.members))
	for k := range g.members {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (s *Local) Close(context.Context) error { return nil }
