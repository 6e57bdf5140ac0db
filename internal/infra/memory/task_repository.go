package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"async-dispatch/internal/domain"
)

// TaskRepository keeps task records in a map.
type TaskRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.TaskRecord
	now     func() time.Time
}

// NewTaskRepository creates an empty repository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{
		records: make(map[string]*domain.TaskRecord),
		now:     time.Now,
	}
}

func (r *TaskRepository) Save(_ context.Context, record *domain.TaskRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	stored := *record
	r.mu.Lock()
	r.records[record.TaskID] = &stored
	r.mu.Unlock()
	return nil
}

func (r *TaskRepository) Get(_ context.Context, taskID string) (*domain.TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	out := *rec
	return &out, nil
}

func (r *TaskRepository) Update(_ context.Context, taskID string, update domain.TaskUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	next := *rec
	if err := next.Apply(update, r.now()); err != nil {
		return err
	}
	*rec = next
	return nil
}

func (r *TaskRepository) ListByStatus(_ context.Context, statuses ...domain.TaskStatus) ([]*domain.TaskRecord, error) {
	want := make(map[domain.TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.TaskRecord, 0)
	for _, rec := range r.records {
		if len(want) > 0 && !want[rec.Status] {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

var _ domain.TaskRepository = (*TaskRepository)(nil)
