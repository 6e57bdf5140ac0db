package memory

import (
	"context"
	"sync"

	"async-dispatch/internal/domain"
)

// CallbackStore keeps received callbacks in arrival order.
type CallbackStore struct {
	mu      sync.RWMutex
	records []*domain.CallbackRecord
}

func NewCallbackStore() *CallbackStore {
	return &CallbackStore{}
}

func (s *CallbackStore) Save(_ context.Context, record *domain.CallbackRecord) error {
	stored := *record
	s.mu.Lock()
	s.records = append(s.records, &stored)
	s.mu.Unlock()
	return nil
}

func (s *CallbackStore) List(_ context.Context, taskID string) ([]*domain.CallbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.CallbackRecord, 0, len(s.records))
	for _, rec := range s.records {
		if taskID != "" && rec.TaskID != taskID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

var _ domain.CallbackStore = (*CallbackStore)(nil)
