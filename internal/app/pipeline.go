package app

import (
	"context"
	"log/slog"
	"time"

	"async-dispatch/internal/config"
	"async-dispatch/internal/domain"
	httpinfra "async-dispatch/internal/infra/http"
	"async-dispatch/internal/notifier"
	"async-dispatch/internal/worker"
)

// Pipeline is the execution half of the system: a worker pool feeding a
// callback notifier through a buffered results channel.
type Pipeline struct {
	Pool     *worker.Pool
	Notifier *notifier.Notifier

	results      chan *domain.Result
	drainTimeout time.Duration
	logger       *slog.Logger
}

// NewPipeline assembles the pool and notifier for one process.
func NewPipeline(
	cfg *config.Config,
	queue domain.Queue,
	handlers worker.HandlerLookup,
	locker domain.Locker,
	repo domain.TaskRepository,
	deadLetters domain.DeadLetterSink,
	workerID string,
	logger *slog.Logger,
) *Pipeline {
	results := make(chan *domain.Result, cfg.Notifier.Buffer)
	pool := worker.NewPool(queue, handlers, locker, repo, deadLetters, results, worker.Config{
		Workers:           cfg.Worker.Count,
		MaxRetries:        cfg.Worker.MaxRetries,
		RetryBackoff:      cfg.Worker.RetryBackoff,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}, workerID, logger)
	n := notifier.New(httpinfra.NewHttpCallbackSender(cfg.Notifier.Timeout), repo, notifier.Config{
		Workers:        cfg.Notifier.Workers,
		MaxAttempts:    cfg.Notifier.MaxAttempts,
		InitialBackoff: cfg.Notifier.InitialBackoff,
		MaxBackoff:     cfg.Notifier.MaxBackoff,
	}, logger)
	return &Pipeline{
		Pool:         pool,
		Notifier:     n,
		results:      results,
		drainTimeout: cfg.Notifier.Timeout * time.Duration(cfg.Notifier.MaxAttempts),
		logger:       logger.With("component", "pipeline"),
	}
}

// Run blocks until ctx is done. After the pool stops, results already handed
// to the notifier get up to the drain timeout to be delivered.
func (p *Pipeline) Run(ctx context.Context) error {
	notifyCtx, cancelNotify := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelNotify()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Notifier.Run(notifyCtx, p.results)
	}()

	p.Pool.Run(ctx)
	close(p.results)

	select {
	case <-done:
	case <-time.After(p.drainTimeout):
		p.logger.Warn("notifier did not drain before timeout, pending callbacks dropped", "pending", len(p.results))
		cancelNotify()
		<-done
	}
	return ctx.Err()
}
