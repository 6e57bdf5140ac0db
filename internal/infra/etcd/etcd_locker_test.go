package etcd

import (
	"context"
	"testing"
	"time"

	"async-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEtcdLocker_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	client := resetEtcd(t)
	first := NewEtcdLocker(client, 5*time.Second)
	second := NewEtcdLocker(client, 5*time.Second)

	held, err := first.Lock(ctx, "task/10000000")
	require.NoError(t, err)

	_, err = second.Lock(ctx, "task/10000000")
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	other, err := second.Lock(ctx, "task/10000001")
	require.NoError(t, err)
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, held.Unlock(ctx))
	again, err := second.Lock(ctx, "task/10000000")
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
	assert.Zero(t, leaseCount(t, client), "unlock must close the lock session")
}
