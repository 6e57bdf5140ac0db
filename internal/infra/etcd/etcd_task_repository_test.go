package etcd

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"async-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEtcdTaskRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewEtcdTaskRepository(resetEtcd(t), testLogger())

	_, err := repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.ErrorIs(t, repo.Update(ctx, "missing", domain.TaskUpdate{Status: domain.TaskStatusRunning}), domain.ErrTaskNotFound)
	assert.Error(t, repo.Save(ctx, &domain.TaskRecord{}))

	now := time.Now().UTC()
	require.NoError(t, repo.Save(ctx, &domain.TaskRecord{
		TaskID: "10000000", Kind: "add", Status: domain.TaskStatusQueued, SubmittedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, repo.Save(ctx, &domain.TaskRecord{
		TaskID: "10000001", Kind: "add", Status: domain.TaskStatusQueued, SubmittedAt: now.Add(time.Second), UpdatedAt: now,
	}))

	require.NoError(t, repo.Update(ctx, "10000000", domain.TaskUpdate{Status: domain.TaskStatusRunning, Attempts: 1, WorkerID: "w1"}))
	rec, err := repo.Get(ctx, "10000000")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "w1", rec.WorkerID)
	assert.False(t, rec.UpdatedAt.Before(now))

	queued, err := repo.ListByStatus(ctx, domain.TaskStatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "10000001", queued[0].TaskID)

	all, err := repo.ListByStatus(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "10000000", all[0].TaskID)
}

func TestEtcdTaskRepository_GuardsTransitions(t *testing.T) {
	ctx := context.Background()
	repo := NewEtcdTaskRepository(resetEtcd(t), testLogger())
	now := time.Now().UTC()
	require.NoError(t, repo.Save(ctx, &domain.TaskRecord{
		TaskID: "10000000", Status: domain.TaskStatusSucceeded, SubmittedAt: now, UpdatedAt: now,
	}))

	err := repo.Update(ctx, "10000000", domain.TaskUpdate{
		Status: domain.TaskStatusAbandoned,
		From:   []domain.TaskStatus{domain.TaskStatusQueued, domain.TaskStatusRunning},
	})
	assert.ErrorIs(t, err, domain.ErrStatusTransition)

	require.NoError(t, repo.Update(ctx, "10000000", domain.TaskUpdate{Status: domain.TaskStatusDelivered}))
	err = repo.Update(ctx, "10000000", domain.TaskUpdate{Status: domain.TaskStatusRunning, WorkerID: "late"})
	assert.ErrorIs(t, err, domain.ErrStatusTransition)

	rec, err := repo.Get(ctx, "10000000")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDelivered, rec.Status)
	assert.Empty(t, rec.WorkerID)
}

func TestEtcdTaskRepository_ConcurrentUpdatesAllLand(t *testing.T) {
	ctx := context.Background()
	repo := NewEtcdTaskRepository(resetEtcd(t), testLogger())
	now := time.Now().UTC()
	require.NoError(t, repo.Save(ctx, &domain.TaskRecord{
		TaskID: "10000000", Status: domain.TaskStatusQueued, SubmittedAt: now, UpdatedAt: now,
	}))

	// Writers race on one key; the ModRevision compare makes losers re-read
	// and retry instead of overwriting.
	const writers = 3
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- repo.Update(ctx, "10000000", domain.TaskUpdate{
				Status:   domain.TaskStatusRunning,
				Attempts: n,
				WorkerID: fmt.Sprintf("w%d", n),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := repo.Get(ctx, "10000000")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, rec.Status)
	assert.Equal(t, fmt.Sprintf("w%d", rec.Attempts), rec.WorkerID, "fields of one update must land together")
}
