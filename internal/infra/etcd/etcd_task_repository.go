// internal/infra/etcd/etcd_task_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"async-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TaskRecordDir = KeyPrefix + "tasks/"
	// maxUpdateAttempts bounds optimistic retries when two stages update
	// the same record concurrently.
	maxUpdateAttempts = 5
)

var errUpdateConflict = errors.New("concurrent update conflict")

type etcdTaskRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewEtcdTaskRepository creates a task record repository backed by etcd.
func NewEtcdTaskRepository(client *clientv3.Client, logger *slog.Logger) domain.TaskRepository {
	return &etcdTaskRepository{
		client: client,
		logger: logger.With("component", "etcd-task-repo"),
		tracer: otel.Tracer("async-dispatch-etcd-task-repo"),
		now:    time.Now,
	}
}

func taskKey(taskID string) string {
	return path.Join(TaskRecordDir, taskID)
}

// Save persists a task record under /dispatch/tasks/{taskID}.
func (r *etcdTaskRepository) Save(ctx context.Context, record *domain.TaskRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveTask")
	defer span.End()

	if err := record.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid task record")
		return err
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal task record")
		return fmt.Errorf("failed to marshal task record %s to JSON: %w", record.TaskID, err)
	}

	key := taskKey(record.TaskID)
	span.SetAttributes(
		attribute.String("task.id", record.TaskID),
		attribute.String("task.status", string(record.Status)),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(recordJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put task record to etcd")
		return fmt.Errorf("failed to save task record %s to etcd: %w", record.TaskID, err)
	}
	return nil
}

func (r *etcdTaskRepository) Get(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	record, _, err := r.get(ctx, taskID)
	if err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get task record")
	}
	return record, err
}

func (r *etcdTaskRepository) get(ctx context.Context, taskID string) (*domain.TaskRecord, int64, error) {
	resp, err := r.client.Get(ctx, taskKey(taskID))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get task record %s from etcd: %w", taskID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, domain.ErrTaskNotFound
	}

	var record domain.TaskRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal task record %s from JSON: %w", taskID, err)
	}
	return &record, resp.Kvs[0].ModRevision, nil
}

// Update reads, modifies and conditionally writes the record, retrying when
// another writer changed it in between.
func (r *etcdTaskRepository) Update(ctx context.Context, taskID string, update domain.TaskUpdate) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.UpdateTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.status", string(update.Status)),
	)

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		record, rev, err := r.get(ctx, taskID)
		if err != nil {
			if !errors.Is(err, domain.ErrTaskNotFound) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to read task record")
			}
			return err
		}
		if err := record.Apply(update, r.now()); err != nil {
			span.SetAttributes(attribute.String("task.current_status", string(record.Status)))
			return err
		}

		recordJSON, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal task record %s to JSON: %w", taskID, err)
		}

		key := taskKey(taskID)
		txn, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(recordJSON))).
			Commit()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to update task record")
			return fmt.Errorf("failed to update task record %s in etcd: %w", taskID, err)
		}
		if txn.Succeeded {
			return nil
		}
		r.logger.Debug("task record changed concurrently, retrying", "task_id", taskID, "attempt", attempt)
	}
	span.SetStatus(codes.Error, "update conflict")
	return fmt.Errorf("failed to update task record %s: %w", taskID, errUpdateConflict)
}

// ListByStatus scans all task records and keeps those in the given statuses.
// An empty status list returns every record.
func (r *etcdTaskRepository) ListByStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.TaskRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListTasks")
	defer span.End()

	resp, err := r.client.Get(ctx, TaskRecordDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list task records from etcd")
		return nil, fmt.Errorf("failed to list task records from etcd: %w", err)
	}

	want := make(map[domain.TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	records := make([]*domain.TaskRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record domain.TaskRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal task record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		if len(want) > 0 && !want[record.Status] {
			continue
		}
		records = append(records, &record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SubmittedAt.Before(records[j].SubmittedAt) })
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}
