package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"async-dispatch/internal/dedup"
	"async-dispatch/internal/domain"
	"async-dispatch/internal/metrics"
	"async-dispatch/internal/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KindRegistry reports whether a job kind has a handler.
type KindRegistry interface {
	Has(kind string) bool
}

// SubmitResult is returned to the submitter as soon as a job is queued.
type SubmitResult struct {
	TaskID   string
	Accepted bool
}

// DispatchService validates submissions and hands them to the queue.
// It never waits for execution.
type DispatchService struct {
	queue  domain.Queue
	repo   domain.TaskRepository
	dedup  dedup.Store
	kinds  KindRegistry
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewDispatchService creates a new DispatchService instance.
func NewDispatchService(queue domain.Queue, repo domain.TaskRepository, store dedup.Store, kinds KindRegistry, logger *slog.Logger) *DispatchService {
	if store == nil {
		store = dedup.NoopStore{}
	}
	return &DispatchService{
		queue:  queue,
		repo:   repo,
		dedup:  store,
		kinds:  kinds,
		logger: logger.With("component", "dispatch-service"),
		tracer: otel.Tracer("async-dispatch-usecase"),
		now:    time.Now,
	}
}

// Submit validates job, records it as queued and enqueues exactly one message.
func (s *DispatchService) Submit(ctx context.Context, job *domain.Job) (SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.Submit")
	defer span.End()

	if err := job.Validate(); err != nil {
		s.reject(span, job.Kind, "invalid", err)
		return SubmitResult{}, err
	}
	if s.kinds != nil && !s.kinds.Has(job.Kind) {
		err := fmt.Errorf("%w: %w: %q", domain.ErrInvalidJob, domain.ErrUnknownJobKind, job.Kind)
		s.reject(span, job.Kind, "invalid", err)
		return SubmitResult{}, err
	}

	callerID := job.TaskID != ""
	if callerID {
		claimed, err := s.dedup.Claim(ctx, job.TaskID)
		if err != nil {
			err = fmt.Errorf("%w: dedup claim: %w", domain.ErrQueueUnavailable, err)
			s.reject(span, job.Kind, "unavailable", err)
			return SubmitResult{}, err
		}
		if !claimed {
			err := fmt.Errorf("%w: %s", domain.ErrDuplicateTask, job.TaskID)
			s.reject(span, job.Kind, "duplicate", err)
			return SubmitResult{TaskID: job.TaskID}, err
		}
	} else {
		job.TaskID = uuid.NewString()
	}

	now := s.now()
	job.SubmittedAt = now
	span.SetAttributes(attribute.String("task.id", job.TaskID), attribute.String("job.kind", job.Kind))

	record := &domain.TaskRecord{
		TaskID:      job.TaskID,
		Kind:        job.Kind,
		CallbackURL: job.CallbackURL,
		Status:      domain.TaskStatusQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := s.repo.Save(ctx, record); err != nil {
		s.release(ctx, job.TaskID, callerID)
		err = fmt.Errorf("%w: save task record: %w", domain.ErrQueueUnavailable, err)
		s.reject(span, job.Kind, "unavailable", err)
		return SubmitResult{}, err
	}

	msg := &domain.QueueMessage{
		ID:           uuid.NewString(),
		Job:          *job,
		EnqueuedAt:   now,
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		s.release(ctx, job.TaskID, callerID)
		if uerr := s.repo.Update(context.WithoutCancel(ctx), job.TaskID, domain.TaskUpdate{
			Status: domain.TaskStatusAbandoned,
			Error:  err.Error(),
			From:   []domain.TaskStatus{domain.TaskStatusQueued},
		}); uerr != nil {
			s.logger.Error("failed to mark unqueued task abandoned", "task_id", job.TaskID, "error", uerr)
		}
		err = fmt.Errorf("%w: %w", domain.ErrQueueUnavailable, err)
		s.reject(span, job.Kind, "unavailable", err)
		return SubmitResult{}, err
	}

	metrics.JobsSubmittedTotal.WithLabelValues(job.Kind, "accepted").Inc()
	span.SetStatus(codes.Ok, "job queued")
	s.logger.Info("job queued", "task_id", job.TaskID, "kind", job.Kind, "message_id", msg.ID)
	return SubmitResult{TaskID: job.TaskID, Accepted: true}, nil
}

// Get returns what the pipeline has recorded for taskID.
func (s *DispatchService) Get(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	ctx, span := s.tracer.Start(ctx, "service.Get")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	record, err := s.repo.Get(ctx, taskID)
	if err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get task record from repository")
	}
	return record, err
}

func (s *DispatchService) release(ctx context.Context, taskID string, callerID bool) {
	if !callerID {
		return
	}
	if err := s.dedup.Release(context.WithoutCancel(ctx), taskID); err != nil {
		s.logger.Error("failed to release dedup claim", "task_id", taskID, "error", err)
	}
}

func (s *DispatchService) reject(span trace.Span, kind, outcome string, err error) {
	if s.kinds != nil && !s.kinds.Has(kind) {
		kind = "unknown"
	}
	metrics.JobsSubmittedTotal.WithLabelValues(kind, outcome).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	if outcome == "unavailable" {
		s.logger.Error("job submission failed", "error", err)
		return
	}
	s.logger.Warn("job submission rejected", "outcome", outcome, "error", err)
}
