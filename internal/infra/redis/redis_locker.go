package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"async-dispatch/internal/domain"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultLockTTL = 10 * time.Second

// The value of a lock key is the holder's token, so only the holder can
// refresh or release it.
var refreshLockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisLocker struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker shared by every process on the same redis.
// A held lock is refreshed every ttl/3 until it is unlocked, so it only
// expires when its holder dies.
func NewRedisLocker(client goredis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) domain.Locker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if prefix == "" {
		prefix = "dispatch"
	}
	return &redisLocker{
		client: client,
		prefix: prefix + ":lock:",
		ttl:    ttl,
		logger: logger.With("component", "redis-locker"),
	}
}

func (l *redisLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire redis lock %s: %w", name, err)
	}
	if !ok {
		return nil, domain.ErrLockNotAcquired
	}

	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lock := &redisLock{
		locker: l,
		key:    key,
		token:  token,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go lock.refresh(refreshCtx)
	return lock, nil
}

type redisLock struct {
	locker *redisLocker
	key    string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (l *redisLock) refresh(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.locker.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := refreshLockScript.Run(ctx, l.locker.client, []string{l.key}, l.token, l.locker.ttl.Milliseconds()).Int()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			l.locker.logger.Warn("failed to refresh lock", "key", l.key, "error", err)
		case n == 0:
			l.locker.logger.Warn("lock expired while held", "key", l.key)
			return
		}
	}
}

// Unlock stops the refresh and deletes the key if this holder still owns it.
func (l *redisLock) Unlock(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.cancel()
		<-l.done
		if rerr := releaseLockScript.Run(ctx, l.locker.client, []string{l.key}, l.token).Err(); rerr != nil && !errors.Is(rerr, goredis.Nil) {
			err = fmt.Errorf("failed to release redis lock %s: %w", l.key, rerr)
		}
	})
	return err
}
