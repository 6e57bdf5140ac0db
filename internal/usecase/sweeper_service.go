package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"async-dispatch/internal/domain"
	"async-dispatch/internal/metrics"
)

// Scheduler runs registered tasks until ctx is done.
type Scheduler interface {
	Start(ctx context.Context) error
}

// staleStatuses are the statuses still waiting on a later pipeline stage.
var staleStatuses = []domain.TaskStatus{
	domain.TaskStatusQueued,
	domain.TaskStatusRunning,
	domain.TaskStatusRetrying,
	domain.TaskStatusSucceeded,
}

// Sweeper is the periodic maintenance run: it returns expired claims to the
// queue, refreshes the depth gauge, and marks tasks that produced no
// completion signal within abandonAfter as abandoned.
type Sweeper struct {
	queue        domain.Queue
	repo         domain.TaskRepository
	abandonAfter time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewSweeper(queue domain.Queue, repo domain.TaskRepository, abandonAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		queue:        queue,
		repo:         repo,
		abandonAfter: abandonAfter,
		logger:       logger.With("component", "sweeper"),
		now:          time.Now,
	}
}

func (s *Sweeper) Name() string { return "sweep" }

// Run performs one sweep. Failures are logged and retried on the next run.
func (s *Sweeper) Run(ctx context.Context) {
	if r, ok := s.queue.(domain.Reclaimer); ok {
		n, err := r.Reclaim(ctx)
		if err != nil {
			s.logger.Error("failed to reclaim expired claims", "error", err)
		} else if n > 0 {
			metrics.SweeperReclaimedTotal.Add(float64(n))
			s.logger.Info("reclaimed expired claims", "count", n)
		}
	}

	if d, ok := s.queue.(domain.DepthReporter); ok {
		if n, err := d.Len(ctx); err != nil {
			s.logger.Warn("failed to read queue depth", "error", err)
		} else {
			metrics.QueueDepth.Set(float64(n))
		}
	}

	if s.repo == nil || s.abandonAfter <= 0 {
		return
	}
	records, err := s.repo.ListByStatus(ctx, staleStatuses...)
	if err != nil {
		s.logger.Error("failed to list pending tasks", "error", err)
		return
	}
	cutoff := s.now().Add(-s.abandonAfter)
	for _, rec := range records {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		err := s.repo.Update(ctx, rec.TaskID, domain.TaskUpdate{
			Status: domain.TaskStatusAbandoned,
			Error:  fmt.Sprintf("no completion signal within %s (last status %s)", s.abandonAfter, rec.Status),
			From:   []domain.TaskStatus{rec.Status},
		})
		if errors.Is(err, domain.ErrStatusTransition) {
			s.logger.Debug("task moved on since listing, not abandoning", "task_id", rec.TaskID, "listed_status", rec.Status)
			continue
		}
		if err != nil {
			s.logger.Error("failed to mark task abandoned", "task_id", rec.TaskID, "error", err)
			continue
		}
		metrics.TasksAbandonedTotal.Inc()
		s.logger.Warn("task abandoned", "task_id", rec.TaskID, "last_status", rec.Status, "last_update", rec.UpdatedAt)
	}
}

// SweeperService runs the scheduler only while this node holds leadership.
type SweeperService struct {
	leaderManager domain.LeaderElectionManager
	scheduler     Scheduler
	nodeID        string
	retryDelay    time.Duration
	logger        *slog.Logger
}

func NewSweeperService(leaderManager domain.LeaderElectionManager, scheduler Scheduler, nodeID string, logger *slog.Logger) *SweeperService {
	return &SweeperService{
		leaderManager: leaderManager,
		scheduler:     scheduler,
		nodeID:        nodeID,
		retryDelay:    5 * time.Second,
		logger:        logger.With("component", "sweeper-service", "node_id", nodeID),
	}
}

// Start campaigns for leadership and runs the scheduler for each term until
// ctx is done.
func (s *SweeperService) Start(ctx context.Context) error {
	s.logger.Info("sweeper service starting")
	defer metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)

	for {
		if ctx.Err() != nil {
			s.logger.Info("sweeper service shutting down")
			return ctx.Err()
		}

		lost, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("leadership campaign failed, retrying", "error", err, "retry_in", s.retryDelay)
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
			}
			continue
		}

		s.logger.Info("became leader, starting scheduler")
		metrics.IsLeader.WithLabelValues(s.nodeID).Set(1)
		s.runTerm(ctx, lost)
		metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)

		if ctx.Err() != nil {
			resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.leaderManager.Resign(resignCtx); err != nil {
				s.logger.Warn("failed to resign leadership", "error", err)
			}
			cancel()
			continue
		}
		s.logger.Warn("lost leadership, scheduler stopped")
	}
}

func (s *SweeperService) runTerm(ctx context.Context, lost <-chan struct{}) {
	termCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.scheduler.Start(termCtx)
	}()

	select {
	case <-lost:
	case <-ctx.Done():
	}
	cancel()
	<-done
}
