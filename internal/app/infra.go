// Package app wires configuration into the concrete components shared by the
// dispatcher, worker and receiver binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"async-dispatch/internal/config"
	"async-dispatch/internal/deadletter"
	"async-dispatch/internal/dedup"
	"async-dispatch/internal/domain"
	"async-dispatch/internal/infra/codec"
	etcdinfra "async-dispatch/internal/infra/etcd"
	kafkainfra "async-dispatch/internal/infra/kafka"
	"async-dispatch/internal/infra/memory"
	redisinfra "async-dispatch/internal/infra/redis"
	s3infra "async-dispatch/internal/infra/s3"
	"async-dispatch/internal/jobs"
	"async-dispatch/internal/metrics"

	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const connectTimeout = 5 * time.Second

// Infra holds the backing services selected by configuration.
type Infra struct {
	Etcd   *clientv3.Client
	Redis  *goredis.Client
	Queue  domain.Queue
	Repo   domain.TaskRepository
	Locker domain.Locker
	Dedup  dedup.Store

	closers []func()
}

// NewInfra connects to the configured backends. Close releases them.
func NewInfra(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Infra, error) {
	in := &Infra{}

	if cfg.UsesEtcd() {
		client, err := etcdinfra.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		in.Etcd = client
		in.closers = append(in.closers, func() { _ = client.Close() })
		logger.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)
	}

	if cfg.UsesRedis() {
		client, err := redisinfra.NewClient(ctx, cfg.Queue.RedisURL, connectTimeout)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		in.Redis = client
		in.closers = append(in.closers, func() { _ = client.Close() })
		logger.Info("connected to redis")
	}

	queue, err := in.newQueue(cfg, logger)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.Queue = queue

	switch cfg.Repository.Backend {
	case "etcd":
		in.Repo = etcdinfra.NewEtcdTaskRepository(in.Etcd, logger)
	default:
		in.Repo = memory.NewTaskRepository()
	}

	// Task locks must be visible to every worker process sharing the queue.
	switch {
	case in.Etcd != nil:
		in.Locker = etcdinfra.NewEtcdLocker(in.Etcd, cfg.Worker.LockTTL)
	case in.Redis != nil:
		in.Locker = redisinfra.NewRedisLocker(in.Redis, cfg.Queue.KeyPrefix, cfg.Worker.LockTTL, logger)
	default:
		in.Locker = memory.NewLocker()
	}

	opts := dedup.Options{
		Backend:  cfg.Dedup.Backend,
		Capacity: cfg.Dedup.Capacity,
		TTL:      cfg.Dedup.TTL,
		Prefix:   cfg.Queue.KeyPrefix,
	}
	if in.Redis != nil {
		opts.Redis = in.Redis
	}
	store, err := dedup.New(opts, logger)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.Dedup = store
	return in, nil
}

func (in *Infra) newQueue(cfg *config.Config, logger *slog.Logger) (domain.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		q := memory.NewQueue(logger,
			memory.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
			memory.WithCapacity(cfg.Queue.Capacity))
		in.closers = append(in.closers, q.Close)
		logger.Info("queue: using in-memory backend", "capacity", cfg.Queue.Capacity)
		return q, nil
	case "redis", "etcd":
		c, err := codec.New(cfg.Queue.Codec)
		if err != nil {
			return nil, err
		}
		logger.Info("queue: using "+cfg.Queue.Backend+" backend", "codec", c.Name(), "capacity", cfg.Queue.Capacity)
		if cfg.Queue.Backend == "redis" {
			return redisinfra.NewRedisQueue(in.Redis, c, redisinfra.QueueConfig{
				Prefix:            cfg.Queue.KeyPrefix,
				VisibilityTimeout: cfg.Queue.VisibilityTimeout,
				PollInterval:      cfg.Queue.PollInterval,
				Capacity:          cfg.Queue.Capacity,
			}, logger), nil
		}
		return etcdinfra.NewEtcdQueue(in.Etcd, c, etcdinfra.QueueConfig{
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			PollInterval:      cfg.Queue.PollInterval,
			Capacity:          cfg.Queue.Capacity,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// Close releases connections in reverse order of creation.
func (in *Infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
	in.closers = nil
}

// NewJobRegistry registers every built-in job kind.
func NewJobRegistry(cfg *config.Config) (*jobs.Registry, error) {
	registry := jobs.NewRegistry()
	if err := registry.Register(jobs.AddKind, jobs.NewAddHandler(cfg.Jobs.AddDelay)); err != nil {
		return nil, err
	}
	return registry, nil
}

// NewDeadLetterHandler builds the configured sink with an optional file
// fallback. The returned func closes the sink's resources.
func NewDeadLetterHandler(ctx context.Context, cfg config.DeadLetterConfig, logger *slog.Logger) (*deadletter.Handler, func(), error) {
	var (
		sink    domain.DeadLetterSink
		closeFn = func() {}
	)
	switch cfg.Sink {
	case "file":
		fs, err := deadletter.NewFileSink(cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		sink = fs
	case "kafka":
		ks, err := kafkainfra.NewDeadLetterSink(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return nil, nil, err
		}
		sink, closeFn = ks, ks.Close
	case "s3":
		client, err := s3infra.NewAWSClient(ctx, cfg.S3Region)
		if err != nil {
			return nil, nil, err
		}
		sink = s3infra.NewDeadLetterSink(client, cfg.S3Bucket, cfg.S3Prefix)
	default:
		sink = deadletter.NewLogSink(logger)
	}

	opts := []deadletter.Option{
		deadletter.WithObserver(metrics.DeadLetterObserver{}),
		deadletter.WithLogger(logger),
	}
	if cfg.FallbackPath != "" {
		fallback, err := deadletter.NewFileSink(cfg.FallbackPath)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		opts = append(opts, deadletter.WithFallback(fallback))
	}
	logger.Info("dead letters: using "+cfg.Sink+" sink", "fallback", cfg.FallbackPath)
	return deadletter.NewHandler(sink, opts...), closeFn, nil
}
