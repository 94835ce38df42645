package genstore

import (
	"context"
	"sort"
	"sync"
)

type localNamespace struct {
	active string
	known  map[string]struct{}
}

// LocalGenStore keeps generation pointers in-process (default).
type LocalGenStore struct {
	mu  sync.RWMutex
	nss map[string]*localNamespace
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore() *LocalGenStore {
	return &LocalGenStore{nss: make(map[string]*localNamespace)}
}

func (s *LocalGenStore) ns(name string) *localNamespace {
	n, ok := s.nss[name]
	if !ok {
		n = &localNamespace{known: make(map[string]struct{})}
		s.nss[name] = n
	}
	return n
}

func (s *LocalGenStore) Active(_ context.Context, namespace string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.nss[namespace]; ok {
		return n.active, nil
	}
	return "", nil
}

func (s *LocalGenStore) SetActive(_ context.Context, namespace, generation string) (string, error) {
	s.mu.Lock()
	n := s.ns(namespace)
	prev := n.active
	n.active = generation
	n.known[generation] = struct{}{}
	s.mu.Unlock()
	return prev, nil
}

func (s *LocalGenStore) Register(_ context.Context, namespace, generation string) error {
	s.mu.Lock()
	n := s.ns(namespace)
	n.known[generation] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *LocalGenStore) List(_ context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	n, ok := s.nss[namespace]
	if !ok {
		s.mu.RUnlock()
		return nil, nil
	}
	out := make([]string, 0, len(n.known))
	for g := range n.known {
		out = append(out, g)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (s *LocalGenStore) Forget(_ context.Context, namespace, generation string) error {
	s.mu.Lock()
	if n, ok := s.nss[namespace]; ok {
		delete(n.known, generation)
	}
	s.mu.Unlock()
	return nil
}

func (s *LocalGenStore) Close(_ context.Context) error { return nil }
