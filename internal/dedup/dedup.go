// Package dedup remembers caller supplied task identifiers so a resubmitted
// task_id is rejected instead of executed twice.
package dedup

import (
	"context"
	"sync"
)

// Store claims keys. Claim reports false when the key was already claimed.
type Store interface {
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets a claim, used when the submission it guarded failed.
	Release(ctx context.Context, key string) error
}

// LRUStore keeps the most recent capacity keys in memory.
type LRUStore struct {
	mu       sync.Mutex
	capacity int
	keys     map[string]struct{}
	order    []string
}

func NewLRUStore(capacity int) *LRUStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUStore{
		capacity: capacity,
		keys:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (s *LRUStore) Claim(_ context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key]; exists {
		return false, nil
	}
	if len(s.order) >= s.capacity {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, evicted)
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	return true, nil
}

func (s *LRUStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key]; !exists {
		return nil
	}
	delete(s.keys, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// NoopStore accepts every key.
type NoopStore struct{}

func (NoopStore) Claim(context.Context, string) (bool, error) { return true, nil }
func (NoopStore) Release(context.Context, string) error       { return nil }
