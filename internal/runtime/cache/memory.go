package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryStore struct {
	maxEntries int

	mu         sync.RWMutex
	namespaces map[string]map[string]Entry
	count      int
	closed     bool
}

// NewMemory returns an in-process store. A positive maxEntries caps the total
// number of entries across namespaces; writes of new keys beyond it fail with
// ErrStorageUnavailable.
func NewMemory(maxEntries int) Store {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &memoryStore{maxEntries: maxEntries, namespaces: make(map[string]map[string]Entry)}
}

func (s *memoryStore) Get(_ context.Context, namespace, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, false, ErrStorageUnavailable
	}
	entry, ok := s.namespaces[namespace][key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Put(_ context.Context, namespace, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageUnavailable
	}
	entries, ok := s.namespaces[namespace]
	if !ok {
		entries = make(map[string]Entry)
		s.namespaces[namespace] = entries
	}
	if _, exists := entries[key]; !exists {
		if s.maxEntries > 0 && s.count >= s.maxEntries {
			if len(entries) == 0 {
				delete(s.namespaces, namespace)
			}
			return fmt.Errorf("%w: memory quota of %d entries reached", ErrStorageUnavailable, s.maxEntries)
		}
		s.count++
	}
	entries[key] = cloneEntry(stampEntry(entry))
	return nil
}

func (s *memoryStore) DeleteNamespace(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageUnavailable
	}
	s.count -= len(s.namespaces[namespace])
	delete(s.namespaces, namespace)
	return nil
}

func (s *memoryStore) ListNamespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageUnavailable
	}
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.namespaces = nil
	s.count = 0
	return nil
}
