package etcd

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"async-dispatch/internal/domain"
	"async-dispatch/internal/infra/codec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func newTestQueue(t *testing.T, cfg QueueConfig) (*etcdQueue, *clientv3.Client) {
	t.Helper()
	client := resetEtcd(t)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	return NewEtcdQueue(client, codec.JSON(), cfg, testLogger()).(*etcdQueue), client
}

func sampleMessage(id, taskID string) *domain.QueueMessage {
	return &domain.QueueMessage{
		ID: id,
		Job: domain.Job{
			TaskID:      taskID,
			Kind:        "add",
			Payload:     map[string]json.RawMessage{"x": json.RawMessage("1"), "y": json.RawMessage("3")},
			CallbackURL: "http://localhost:5002/callback",
		},
		EnqueuedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func dequeueWithin(t *testing.T, q *etcdQueue, d time.Duration) (*domain.Delivery, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Dequeue(ctx)
}

func TestEtcdQueue_EnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, client := newTestQueue(t, QueueConfig{})

	require.NoError(t, q.Enqueue(ctx, sampleMessage("m1", "10000000")))
	assert.Error(t, q.Enqueue(ctx, sampleMessage("m1", "10000000")), "same message id twice")
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := dequeueWithin(t, q, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m1", d.Message.ID)
	assert.Equal(t, "10000000", d.Message.Job.TaskID)
	assert.JSONEq(t, "3", string(d.Message.Job.Payload["y"]))
	assert.Equal(t, 1, d.Message.DeliveryCount)
	assert.Equal(t, 1, leaseCount(t, client))

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.Ack(ctx, d))
	resp, err := client.Get(ctx, KeyPrefix+"queue/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	require.NoError(t, err)
	assert.Zero(t, resp.Count)
	assert.Zero(t, leaseCount(t, client), "ack must revoke the claim lease")
	assert.ErrorIs(t, q.Ack(ctx, d), domain.ErrStaleReceipt)
}

func TestEtcdQueue_ConcurrentConsumersClaimOnce(t *testing.T) {
	ctx := context.Background()
	q, client := newTestQueue(t, QueueConfig{VisibilityTimeout: time.Minute})
	require.NoError(t, q.Enqueue(ctx, sampleMessage("m1", "10000000")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer := NewEtcdQueue(client, codec.JSON(), QueueConfig{
				VisibilityTimeout: time.Minute,
				PollInterval:      10 * time.Millisecond,
			}, testLogger())
			dctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			if _, err := consumer.Dequeue(dctx); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, leaseCount(t, client), "losing claim attempts must revoke their leases")
}

func TestEtcdQueue_RedeliversAfterClaimLeaseExpires(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, QueueConfig{VisibilityTimeout: time.Second})
	require.NoError(t, q.Enqueue(ctx, sampleMessage("m1", "10000000")))

	first, err := dequeueWithin(t, q, 5*time.Second)
	require.NoError(t, err)

	second, err := dequeueWithin(t, q, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m1", second.Message.ID)
	assert.Equal(t, 2, second.Message.DeliveryCount)

	assert.ErrorIs(t, q.Ack(ctx, first), domain.ErrStaleReceipt)
	assert.ErrorIs(t, q.Extend(ctx, first), domain.ErrStaleReceipt)
	require.NoError(t, q.Ack(ctx, second))
}

func TestEtcdQueue_ExtendKeepsClaimAlive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, QueueConfig{VisibilityTimeout: time.Second})
	require.NoError(t, q.Enqueue(ctx, sampleMessage("m1", "10000000")))

	d, err := dequeueWithin(t, q, 5*time.Second)
	require.NoError(t, err)

	stop := make(chan struct{})
	extended := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				extended <- nil
				return
			case <-ticker.C:
				if err := q.Extend(ctx, d); err != nil {
					extended <- err
					return
				}
			}
		}
	}()

	_, err = dequeueWithin(t, q, 4*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "extended claim must stay hidden")
	close(stop)
	require.NoError(t, <-extended)

	require.NoError(t, q.Ack(ctx, d))
}

func TestEtcdQueue_NackWithDelay(t *testing.T) {
	ctx := context.Background()
	q, client := newTestQueue(t, QueueConfig{VisibilityTimeout: time.Minute})
	require.NoError(t, q.Enqueue(ctx, sampleMessage("m1", "10000000")))

	d, err := dequeueWithin(t, q, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d, 2*time.Second))
	assert.Equal(t, 1, leaseCount(t, client), "only the delay lease should remain")
	assert.ErrorIs(t, q.Nack(ctx, d, 0), domain.ErrStaleReceipt)

	_, err = dequeueWithin(t, q, 500*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	again, err := dequeueWithin(t, q, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Message.DeliveryCount)

	require.NoError(t, q.Nack(ctx, again, 0))
	assert.Zero(t, leaseCount(t, client))
	third, err := dequeueWithin(t, q, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Message.DeliveryCount)
	require.NoError(t, q.Ack(ctx, third))
}

func TestEtcdQueue_Capacity(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, QueueConfig{Capacity: 1})

	require.NoError(t, q.Enqueue(ctx, sampleMessage("m1", "10000000")))
	assert.ErrorIs(t, q.Enqueue(ctx, sampleMessage("m2", "10000001")), domain.ErrQueueFull)
}

func TestEtcdQueue_DeliversInEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, QueueConfig{VisibilityTimeout: time.Minute})
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, q.Enqueue(ctx, sampleMessage(id, "task-"+id)))
	}
	for _, want := range []string{"c", "a", "b"} {
		d, err := dequeueWithin(t, q, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, d.Message.ID)
		require.NoError(t, q.Ack(ctx, d))
	}
}
