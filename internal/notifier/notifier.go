// Package notifier pushes job results to their callback addresses.
//
// Delivery is best effort: each result gets a bounded number of attempts with
// exponential backoff, after which the failure is logged and recorded. A
// failed notification never causes the job to run again.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"async-dispatch/internal/domain"
	"async-dispatch/internal/metrics"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the notifier tunables.
type Config struct {
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	return c
}

type Notifier struct {
	sender domain.CallbackSender
	repo   domain.TaskRepository
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a notifier. repo may be nil when task status is not tracked.
func New(sender domain.CallbackSender, repo domain.TaskRepository, cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		repo:   repo,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "notifier"),
		tracer: otel.Tracer("async-dispatch-notifier"),
	}
}

// Run consumes results with Config.Workers goroutines until results is
// closed or ctx is done.
func (n *Notifier) Run(ctx context.Context, results <-chan *domain.Result) {
	var wg sync.WaitGroup
	for i := 0; i < n.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case r, ok := <-results:
					if !ok {
						return
					}
					n.Notify(ctx, r)
				}
			}
		}()
	}
	wg.Wait()
}

// Notify pushes one result and reports whether the callback accepted it.
func (n *Notifier) Notify(ctx context.Context, result *domain.Result) bool {
	ctx, span := n.tracer.Start(ctx, "notifier.Notify", trace.WithAttributes(
		attribute.String("task.id", result.TaskID),
		attribute.String("callback.url", result.CallbackURL),
	))
	defer span.End()

	logger := n.logger.With("task_id", result.TaskID, "callback_url", result.CallbackURL)

	body, err := result.CallbackBody()
	if err != nil {
		n.abandon(ctx, span, logger, result, 0, fmt.Errorf("failed to encode callback body: %w", err))
		return false
	}

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		metrics.CallbackAttemptsTotal.Inc()
		err := n.sender.Send(ctx, result.CallbackURL, body)
		if errors.Is(err, domain.ErrCallbackRejected) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.InitialBackoff
	b.MaxInterval = n.cfg.MaxBackoff

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(n.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("callback attempt failed", "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		n.abandon(ctx, span, logger, result, attempts, err)
		return false
	}

	metrics.CallbackDeliveriesTotal.WithLabelValues("delivered").Inc()
	span.SetStatus(codes.Ok, "callback delivered")
	logger.Info("callback delivered", "attempts", attempts)
	n.updateStatus(ctx, result.TaskID, domain.TaskUpdate{Status: domain.TaskStatusDelivered}, logger)
	return true
}

func (n *Notifier) abandon(ctx context.Context, span trace.Span, logger *slog.Logger, result *domain.Result, attempts int, err error) {
	metrics.CallbackDeliveriesTotal.WithLabelValues("failed").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "callback delivery abandoned")
	logger.Error("callback delivery abandoned", "attempts", attempts, "error", err)
	n.updateStatus(ctx, result.TaskID, domain.TaskUpdate{
		Status: domain.TaskStatusDeliveryFailed,
		Error:  err.Error(),
	}, logger)
}

func (n *Notifier) updateStatus(ctx context.Context, taskID string, update domain.TaskUpdate, logger *slog.Logger) {
	if n.repo == nil {
		return
	}
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := n.repo.Update(updateCtx, taskID, update)
	switch {
	case err == nil, errors.Is(err, domain.ErrTaskNotFound):
	case errors.Is(err, domain.ErrStatusTransition):
		logger.Debug("task record already settled", "status", update.Status, "error", err)
	default:
		logger.Error("failed to update task record", "status", update.Status, "error", err)
	}
}
