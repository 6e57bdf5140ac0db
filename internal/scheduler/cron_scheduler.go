// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// scheduleParser accepts an optional seconds field and descriptors like "@every 10s".
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec is a schedule the scheduler accepts.
func ValidateSchedule(spec string) error {
	_, err := scheduleParser.Parse(spec)
	return err
}

// Task is a periodic maintenance run.
type Task interface {
	Name() string
	Run(ctx context.Context)
}

// CronScheduler triggers tasks on their schedules while Start is running.
// An invocation is skipped if the previous one has not finished.
type CronScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	tracer trace.Tracer
	ctx    context.Context
}

func NewCronScheduler(logger *slog.Logger) *CronScheduler {
	return &CronScheduler{
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: logger.With("component", "cron-scheduler"),
		tracer: otel.Tracer("async-dispatch-scheduler"),
		ctx:    context.Background(),
	}
}

// AddTask registers task under schedule. Call before Start.
func (s *CronScheduler) AddTask(schedule string, task Task) error {
	wrapper := &cronTaskWrapper{
		task:   task,
		parent: s,
		logger: s.logger.With("task", task.Name()),
	}
	if _, err := s.cron.AddJob(schedule, wrapper); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", task.Name(), err)
	}
	s.logger.Info("added task to scheduler", "task", task.Name(), "schedule", schedule)
	return nil
}

// Start runs the scheduler until ctx is done and waits for running tasks.
// It may be called again after it returns.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

type cronTaskWrapper struct {
	task   Task
	parent *CronScheduler
	logger *slog.Logger
}

// Run is called by the cron library.
func (w *cronTaskWrapper) Run() {
	ctx, span := w.parent.tracer.Start(w.parent.ctx, "scheduler."+w.task.Name(),
		trace.WithAttributes(attribute.String("task.name", w.task.Name())))
	defer span.End()

	if ctx.Err() != nil {
		return
	}
	w.logger.Debug("running scheduled task")
	w.task.Run(ctx)
}
