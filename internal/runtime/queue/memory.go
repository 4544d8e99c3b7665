package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	nextID  int64
	pending []Mutation
	parked  []Parked
}

// NewMemory returns a process-local queue. Its contents do not survive a restart.
func NewMemory() Store {
	return &memoryStore{}
}

func (s *memoryStore) Enqueue(_ context.Context, m Mutation) (Mutation, error) {
	if strings.TrimSpace(m.Method) == "" || strings.TrimSpace(m.URL) == "" {
		return Mutation{}, errors.New("queue: method and url are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m = cloneMutation(m)
	m.ID = s.nextID
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	s.pending = append(s.pending, m)
	return cloneMutation(m), nil
}

func (s *memoryStore) List(_ context.Context) ([]Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mutation, len(s.pending))
	for i, m := range s.pending {
		out[i] = cloneMutation(m)
	}
	return out, nil
}

func (s *memoryStore) indexOf(id int64) int {
	for i, m := range s.pending {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *memoryStore) Remove(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("queue: remove %d: %w", id, ErrNotFound)
	}
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, id int64) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return Mutation{}, fmt.Errorf("queue: mark failed %d: %w", id, ErrNotFound)
	}
	s.pending[idx].RetryCount++
	return cloneMutation(s.pending[idx]), nil
}

func (s *memoryStore) Park(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("queue: park %d: %w", id, ErrNotFound)
	}
	s.parked = append(s.parked, Parked{Mutation: s.pending[idx], ParkedAt: time.Now().UTC(), Reason: reason})
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	return nil
}

func (s *memoryStore) Parked(_ context.Context) ([]Parked, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Parked, len(s.parked))
	for i, p := range s.parked {
		out[i] = Parked{Mutation: cloneMutation(p.Mutation), ParkedAt: p.ParkedAt, Reason: p.Reason}
	}
	return out, nil
}

func (s *memoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

func (s *memoryStore) Close() error { return nil }
