// internal/worker/pool.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"async-dispatch/internal/domain"
	"async-dispatch/internal/metrics"
	"async-dispatch/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxRetryBackoff = 30 * time.Second
	settleTimeout   = 5 * time.Second
	lockPrefix      = "task/"
)

// HandlerLookup resolves the handler for a job kind.
type HandlerLookup interface {
	Lookup(kind string) (domain.JobHandler, error)
}

// Config holds the pool tunables.
type Config struct {
	Workers int
	// MaxRetries is how many extra executions a failing job gets before it
	// is dead-lettered.
	MaxRetries   int
	RetryBackoff time.Duration
	JobTimeout   time.Duration
	// HeartbeatInterval is how often a running job extends its claim so the
	// queue does not redeliver it mid-run. Zero disables extension.
	HeartbeatInterval time.Duration
}

// Pool runs Config.Workers goroutines that claim messages from the queue,
// execute them and hand successful results to the notifier stage.
type Pool struct {
	queue       domain.Queue
	handlers    HandlerLookup
	locker      domain.Locker
	repo        domain.TaskRepository
	deadLetters domain.DeadLetterSink
	results     chan<- *domain.Result
	cfg         Config
	workerID    string
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewPool creates a worker pool. results is written to but never closed.
func NewPool(
	queue domain.Queue,
	handlers HandlerLookup,
	locker domain.Locker,
	repo domain.TaskRepository,
	deadLetters domain.DeadLetterSink,
	results chan<- *domain.Result,
	cfg Config,
	workerID string,
	logger *slog.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Pool{
		queue:       queue,
		handlers:    handlers,
		locker:      locker,
		repo:        repo,
		deadLetters: deadLetters,
		results:     results,
		cfg:         cfg,
		workerID:    workerID,
		logger:      logger.With("component", "worker-pool", "worker_id", workerID),
		tracer:      otel.Tracer("async-dispatch-worker"),
	}
}

// Run blocks until ctx is cancelled and every worker has settled its
// in-flight delivery.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("starting worker pool", "workers", p.cfg.Workers)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, n int) {
	logger := p.logger.With("worker", n)
	for ctx.Err() == nil {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				return
			}
			logger.Error("failed to dequeue", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.RetryBackoff):
			}
			continue
		}
		p.process(ctx, d)
	}
}

// process settles exactly one delivery: ack, nack or dead-letter.
func (p *Pool) process(ctx context.Context, d *domain.Delivery) {
	msg := d.Message
	job := msg.Job

	ctx, span := p.tracer.Start(
		tracing.ExtractHeaders(ctx, msg.TraceHeaders),
		"worker.process",
		trace.WithAttributes(
			attribute.String("task.id", job.TaskID),
			attribute.String("job.kind", job.Kind),
			attribute.String("message.id", msg.ID),
			attribute.Int("delivery_count", msg.DeliveryCount),
		),
	)
	defer span.End()

	logger := p.logger.With("task_id", job.TaskID, "message_id", msg.ID, "delivery_count", msg.DeliveryCount)

	// A redelivered copy may still be running elsewhere; never run the same
	// task twice at once.
	lock, err := p.locker.Lock(ctx, lockPrefix+job.TaskID)
	if err != nil {
		delay := p.retryDelay(msg.DeliveryCount)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			logger.Warn("task is already executing elsewhere, deferring", "retry_in", delay)
			span.AddEvent("skipped_execution", trace.WithAttributes(attribute.String("reason", "lock_not_acquired")))
			metrics.JobExecutionTotal.WithLabelValues(job.Kind, "lock_contended").Inc()
		} else {
			logger.Error("failed to acquire task lock", "error", err)
			span.RecordError(err)
		}
		p.nack(ctx, d, delay, logger)
		return
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		defer cancel()
		if err := lock.Unlock(unlockCtx); err != nil {
			logger.Error("failed to unlock task", "error", err)
		}
	}()

	p.updateStatus(ctx, job.TaskID, domain.TaskUpdate{
		Status:   domain.TaskStatusRunning,
		Attempts: msg.DeliveryCount,
		WorkerID: p.workerID,
	}, logger)

	release := p.keepClaim(ctx, d, logger)
	defer release()

	logger.Info("executing job", "kind", job.Kind)
	outcome, execErr := p.execute(ctx, &job)

	if execErr == nil {
		p.complete(ctx, d, outcome, release, span, logger)
		return
	}
	release()

	if ctx.Err() != nil {
		// Shutting down: give the message straight back.
		logger.Warn("interrupted by shutdown, releasing message", "error", execErr)
		p.nack(ctx, d, 0, logger)
		return
	}

	span.RecordError(execErr)
	span.SetStatus(codes.Error, "job execution failed")

	if msg.DeliveryCount <= p.cfg.MaxRetries {
		delay := p.retryDelay(msg.DeliveryCount)
		logger.Warn("job execution failed, will retry", "error", execErr, "retry_in", delay)
		metrics.JobExecutionTotal.WithLabelValues(job.Kind, "retried").Inc()
		p.updateStatus(ctx, job.TaskID, domain.TaskUpdate{
			Status:   domain.TaskStatusRetrying,
			Attempts: msg.DeliveryCount,
			Error:    execErr.Error(),
		}, logger)
		p.nack(ctx, d, delay, logger)
		return
	}

	p.deadLetter(ctx, d, execErr, logger)
}

// complete records success before publishing so the notifier's later
// "delivered" update is never overwritten. The claim is kept until the result
// has been handed over.
func (p *Pool) complete(ctx context.Context, d *domain.Delivery, outcome map[string]any, release func(), span trace.Span, logger *slog.Logger) {
	job := d.Message.Job
	p.updateStatus(ctx, job.TaskID, domain.TaskUpdate{
		Status:   domain.TaskStatusSucceeded,
		Attempts: d.Message.DeliveryCount,
	}, logger)

	result := &domain.Result{
		TaskID:      job.TaskID,
		CallbackURL: job.CallbackURL,
		Outcome:     outcome,
		Attempts:    d.Message.DeliveryCount,
		ProducedAt:  time.Now().UTC(),
	}
	select {
	case p.results <- result:
		release()
	case <-ctx.Done():
		release()
		logger.Warn("shutdown before result was handed to notifier, releasing message")
		p.nack(ctx, d, 0, logger)
		return
	}

	if err := p.ack(ctx, d); err != nil {
		// The result is already on its way; a redelivery will run the job again.
		logger.Warn("failed to ack completed job", "error", err)
	}
	metrics.JobExecutionTotal.WithLabelValues(job.Kind, "success").Inc()
	span.SetStatus(codes.Ok, "job execution successful")
	logger.Info("job executed successfully")
}

func (p *Pool) deadLetter(ctx context.Context, d *domain.Delivery, execErr error, logger *slog.Logger) {
	job := d.Message.Job
	dl := domain.DeadLetter{
		Message:  d.Message,
		Error:    execErr.Error(),
		Attempts: d.Message.DeliveryCount,
		FailedAt: time.Now().UTC(),
	}
	if err := p.deadLetters.Send(ctx, dl); err != nil {
		// Keep the message so the dead letter is not lost.
		logger.Error("failed to dead-letter job, leaving it queued", "error", err)
		p.nack(ctx, d, p.retryDelay(d.Message.DeliveryCount), logger)
		return
	}
	if err := p.ack(ctx, d); err != nil {
		logger.Warn("failed to ack dead-lettered job", "error", err)
	}
	metrics.JobExecutionTotal.WithLabelValues(job.Kind, "dead_lettered").Inc()
	p.updateStatus(ctx, job.TaskID, domain.TaskUpdate{
		Status:   domain.TaskStatusDeadLettered,
		Attempts: d.Message.DeliveryCount,
		Error:    execErr.Error(),
	}, logger)
	logger.Error("job dead-lettered after exhausting retries", "error", execErr, "attempts", d.Message.DeliveryCount)
}

// keepClaim extends the delivery's claim every HeartbeatInterval until the
// returned release func is called. release is idempotent and waits for any
// in-flight extension so it never races the settle call that follows.
func (p *Pool) keepClaim(ctx context.Context, d *domain.Delivery, logger *slog.Logger) (release func()) {
	if p.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
			err := p.queue.Extend(hbCtx, d)
			switch {
			case err == nil:
			case hbCtx.Err() != nil:
				return
			case errors.Is(err, domain.ErrStaleReceipt):
				metrics.ClaimsLostTotal.Inc()
				logger.Warn("claim lost while job was running, message may be redelivered", "error", err)
				return
			default:
				logger.Warn("failed to extend claim", "error", err)
			}
		}
	}()
	return sync.OnceFunc(func() {
		cancel()
		<-done
	})
}

// execute runs the handler under the job timeout, turning panics into errors.
func (p *Pool) execute(ctx context.Context, job *domain.Job) (outcome map[string]any, err error) {
	handler, err := p.handlers.Lookup(job.Kind)
	if err != nil {
		return nil, err
	}

	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	metrics.WorkersBusy.Inc()
	start := time.Now()
	defer func() {
		metrics.WorkersBusy.Dec()
		metrics.JobExecutionDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked", "task_id", job.TaskID, "panic", r, "stack", string(debug.Stack()))
			outcome, err = nil, fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	return handler.Handle(ctx, job)
}

// retryDelay doubles RetryBackoff per delivery, capped, with up to 10% jitter.
func (p *Pool) retryDelay(deliveryCount int) time.Duration {
	if deliveryCount < 1 {
		deliveryCount = 1
	}
	if deliveryCount > 16 {
		deliveryCount = 16
	}
	d := p.cfg.RetryBackoff << uint(deliveryCount-1)
	if d > maxRetryBackoff || d <= 0 {
		d = maxRetryBackoff
	}
	return d + time.Duration(rand.Int64N(int64(d)/10+1))
}

func (p *Pool) ack(ctx context.Context, d *domain.Delivery) error {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	return p.queue.Ack(settleCtx, d)
}

// nack uses a detached context so shutdown still returns the message.
func (p *Pool) nack(ctx context.Context, d *domain.Delivery, delay time.Duration, logger *slog.Logger) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := p.queue.Nack(settleCtx, d, delay); err != nil {
		logger.Warn("failed to nack message", "error", err)
	}
}

func (p *Pool) updateStatus(ctx context.Context, taskID string, update domain.TaskUpdate, logger *slog.Logger) {
	if p.repo == nil {
		return
	}
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := p.repo.Update(updateCtx, taskID, update); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			logger.Debug("no task record to update", "status", update.Status)
			return
		}
		if errors.Is(err, domain.ErrStatusTransition) {
			logger.Info("task record already settled, status left unchanged", "status", update.Status, "error", err)
			return
		}
		logger.Error("failed to update task record", "status", update.Status, "error", err)
	}
}
