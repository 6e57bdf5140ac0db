package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"async-dispatch/internal/domain"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLockers returns two lockers with separate clients on one redis, standing
// in for two worker processes.
func newLockers(t *testing.T, ttl time.Duration) (domain.Locker, domain.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var lockers [2]domain.Locker
	for i := range lockers {
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		lockers[i] = NewRedisLocker(client, "test", ttl, logger)
	}
	return lockers[0], lockers[1], mr
}

func TestRedisLocker_ExcludesOtherProcesses(t *testing.T) {
	ctx := context.Background()
	a, b, mr := newLockers(t, time.Second)

	held, err := a.Lock(ctx, "task/10000000")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:task/10000000"))

	_, err = b.Lock(ctx, "task/10000000")
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	other, err := b.Lock(ctx, "task/10000001")
	require.NoError(t, err)
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, held.Unlock(ctx))
	require.NoError(t, held.Unlock(ctx))
	assert.False(t, mr.Exists("test:lock:task/10000000"))

	again, err := b.Lock(ctx, "task/10000000")
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}

func TestRedisLocker_RefreshesHeldLock(t *testing.T) {
	ctx := context.Background()
	a, _, mr := newLockers(t, 300*time.Millisecond)

	held, err := a.Lock(ctx, "task/10000000")
	require.NoError(t, err)
	defer func() { _ = held.Unlock(ctx) }()

	mr.FastForward(250 * time.Millisecond)
	require.Less(t, mr.TTL("test:lock:task/10000000"), 100*time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL("test:lock:task/10000000") > 200*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisLocker_ExpiredHolderCannotReleaseNewOwner(t *testing.T) {
	ctx := context.Background()
	a, b, mr := newLockers(t, time.Second)

	stale, err := a.Lock(ctx, "task/10000000")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	owner, err := b.Lock(ctx, "task/10000000")
	require.NoError(t, err)

	require.NoError(t, stale.Unlock(ctx))
	assert.True(t, mr.Exists("test:lock:task/10000000"))

	require.NoError(t, owner.Unlock(ctx))
	assert.False(t, mr.Exists("test:lock:task/10000000"))
}
