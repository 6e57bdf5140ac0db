// internal/infra/etcd/etcd_queue.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"async-dispatch/internal/domain"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// QueuePendingDir holds one key per stored message, ordered by create revision.
	QueuePendingDir = KeyPrefix + "queue/pending/"
	// QueueClaimDir holds one leased key per hidden message. When the lease
	// runs out the key vanishes and the message is claimable again.
	QueueClaimDir = KeyPrefix + "queue/claims/"

	delayedReceipt = "delayed"
	scanBatch      = 32
)

// QueueConfig holds the tunables of the etcd queue.
type QueueConfig struct {
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Capacity          int
}

type etcdQueue struct {
	client       *clientv3.Client
	codec        domain.Codec
	visibility   time.Duration
	pollInterval time.Duration
	capacity     int
	logger       *slog.Logger
	tracer       trace.Tracer
}

// Queue is the etcd backed queue. Expired claims are released by etcd lease
// expiry, so it needs no sweeping; it still reports depth.
type Queue interface {
	domain.Queue
	domain.DepthReporter
}

// NewEtcdQueue creates a queue on top of etcd transactions and leases.
func NewEtcdQueue(client *clientv3.Client, codec domain.Codec, cfg QueueConfig, logger *slog.Logger) Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &etcdQueue{
		client:       client,
		codec:        codec,
		visibility:   cfg.VisibilityTimeout,
		pollInterval: cfg.PollInterval,
		capacity:     cfg.Capacity,
		logger:       logger.With("component", "etcd-queue"),
		tracer:       otel.Tracer("async-dispatch-etcd-queue"),
	}
}

func pendingKey(id string) string { return QueuePendingDir + id }
func claimKey(id string) string   { return QueueClaimDir + id }

func (q *etcdQueue) Enqueue(ctx context.Context, msg *domain.QueueMessage) error {
	ctx, span := q.tracer.Start(ctx, "queue.etcd.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("task.id", msg.Job.TaskID),
	)

	if q.capacity > 0 {
		resp, err := q.client.Get(ctx, QueuePendingDir, clientv3.WithPrefix(), clientv3.WithCountOnly())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to count pending messages")
			return fmt.Errorf("failed to count pending messages: %w", err)
		}
		if resp.Count >= int64(q.capacity) {
			return fmt.Errorf("%w: capacity %d reached", domain.ErrQueueFull, q.capacity)
		}
	}

	body, err := q.codec.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode message")
		return fmt.Errorf("failed to encode message %s with %s: %w", msg.ID, q.codec.Name(), err)
	}

	key := pendingKey(msg.ID)
	txn, err := q.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(body))).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put message to etcd")
		return fmt.Errorf("failed to enqueue message %s: %w", msg.ID, err)
	}
	if !txn.Succeeded {
		return fmt.Errorf("message %s already enqueued", msg.ID)
	}
	return nil
}

// Dequeue polls until it wins the claim transaction for some pending message.
func (q *etcdQueue) Dequeue(ctx context.Context) (*domain.Delivery, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		d, err := q.tryClaim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *etcdQueue) tryClaim(ctx context.Context) (*domain.Delivery, error) {
	claims, err := q.client.Get(ctx, QueueClaimDir, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list queue claims: %w", err)
	}
	claimed := make(map[string]bool, len(claims.Kvs))
	for _, kv := range claims.Kvs {
		claimed[strings.TrimPrefix(string(kv.Key), QueueClaimDir)] = true
	}

	pending, err := q.client.Get(ctx, QueuePendingDir,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
		clientv3.WithLimit(int64(len(claimed)+scanBatch)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}

	for _, kv := range pending.Kvs {
		id := strings.TrimPrefix(string(kv.Key), QueuePendingDir)
		if claimed[id] {
			continue
		}

		var msg domain.QueueMessage
		if err := q.codec.Unmarshal(kv.Value, &msg); err != nil {
			q.logger.Error("dropping undecodable message", "message_id", id, "codec", q.codec.Name(), "error", err)
			_, _ = q.client.Delete(ctx, string(kv.Key))
			continue
		}
		msg.ID = id
		msg.DeliveryCount++

		d, err := q.claim(ctx, &msg, kv.ModRevision)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
	return nil, nil
}

// claim hides msg for the visibility window and persists the incremented
// delivery count. It returns nil when another consumer got there first.
func (q *etcdQueue) claim(ctx context.Context, msg *domain.QueueMessage, rev int64) (*domain.Delivery, error) {
	lease, err := q.client.Grant(ctx, leaseSeconds(q.visibility))
	if err != nil {
		return nil, fmt.Errorf("failed to grant claim lease: %w", err)
	}

	body, err := q.codec.Marshal(msg)
	if err != nil {
		q.revoke(ctx, lease.ID)
		return nil, fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	receipt := uuid.NewString()
	pk, ck := pendingKey(msg.ID), claimKey(msg.ID)
	txn, err := q.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.ModRevision(pk), "=", rev),
			clientv3.Compare(clientv3.CreateRevision(ck), "=", 0),
		).
		Then(
			clientv3.OpPut(pk, string(body)),
			clientv3.OpPut(ck, receipt, clientv3.WithLease(lease.ID)),
		).
		Commit()
	if err != nil {
		q.revoke(ctx, lease.ID)
		return nil, fmt.Errorf("failed to claim message %s: %w", msg.ID, err)
	}
	if !txn.Succeeded {
		q.revoke(ctx, lease.ID)
		return nil, nil
	}
	return &domain.Delivery{Message: *msg, Receipt: receipt}, nil
}

func (q *etcdQueue) Ack(ctx context.Context, d *domain.Delivery) error {
	ctx, span := q.tracer.Start(ctx, "queue.etcd.Ack")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", d.Message.ID))

	ck := claimKey(d.Message.ID)
	txn, err := q.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(ck), "=", d.Receipt)).
		Then(
			clientv3.OpGet(ck),
			clientv3.OpDelete(pendingKey(d.Message.ID)),
			clientv3.OpDelete(ck),
		).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ack message")
		return fmt.Errorf("failed to ack message %s: %w", d.Message.ID, err)
	}
	if !txn.Succeeded {
		return fmt.Errorf("ack %s: %w", d.Message.ID, domain.ErrStaleReceipt)
	}
	q.revokeClaimLease(ctx, txn)
	return nil
}

// Extend refreshes the claim lease, which was granted for one visibility
// window, after checking the claim still carries this delivery's receipt.
func (q *etcdQueue) Extend(ctx context.Context, d *domain.Delivery) error {
	resp, err := q.client.Get(ctx, claimKey(d.Message.ID))
	if err != nil {
		return fmt.Errorf("failed to read claim on %s: %w", d.Message.ID, err)
	}
	if len(resp.Kvs) == 0 || string(resp.Kvs[0].Value) != d.Receipt || resp.Kvs[0].Lease == 0 {
		return fmt.Errorf("extend %s: %w", d.Message.ID, domain.ErrStaleReceipt)
	}
	if _, err := q.client.KeepAliveOnce(ctx, clientv3.LeaseID(resp.Kvs[0].Lease)); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return fmt.Errorf("extend %s: %w", d.Message.ID, domain.ErrStaleReceipt)
		}
		return fmt.Errorf("failed to keep claim lease on %s alive: %w", d.Message.ID, err)
	}
	return nil
}

// revokeClaimLease drops the lease of the claim read by the first op of a
// settled transaction. Failure only delays cleanup until the lease expires.
func (q *etcdQueue) revokeClaimLease(ctx context.Context, txn *clientv3.TxnResponse) {
	if len(txn.Responses) == 0 {
		return
	}
	rng := txn.Responses[0].GetResponseRange()
	if rng == nil || len(rng.Kvs) == 0 || rng.Kvs[0].Lease == 0 {
		return
	}
	q.revoke(ctx, clientv3.LeaseID(rng.Kvs[0].Lease))
}

// revoke runs detached from ctx so a cancelled caller does not leak the lease.
func (q *etcdQueue) revoke(ctx context.Context, id clientv3.LeaseID) {
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := q.client.Revoke(revokeCtx, id); err != nil {
		q.logger.Debug("failed to revoke lease", "lease_id", int64(id), "error", err)
	}
}

// Nack drops the claim, or re-leases it for delay so the message stays hidden
// until the retry is due.
func (q *etcdQueue) Nack(ctx context.Context, d *domain.Delivery, delay time.Duration) error {
	ctx, span := q.tracer.Start(ctx, "queue.etcd.Nack")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", d.Message.ID),
		attribute.Int64("delay_ms", delay.Milliseconds()),
	)

	ck := claimKey(d.Message.ID)
	op := clientv3.OpDelete(ck)
	var delayLease clientv3.LeaseID
	if delay > 0 {
		lease, err := q.client.Grant(ctx, leaseSeconds(delay))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to grant delay lease")
			return fmt.Errorf("failed to grant delay lease for %s: %w", d.Message.ID, err)
		}
		delayLease = lease.ID
		op = clientv3.OpPut(ck, delayedReceipt, clientv3.WithLease(lease.ID))
	}

	txn, err := q.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(ck), "=", d.Receipt)).
		Then(clientv3.OpGet(ck), op).
		Commit()
	if err == nil && !txn.Succeeded {
		err = domain.ErrStaleReceipt
	}
	if err != nil {
		if delayLease != 0 {
			q.revoke(ctx, delayLease)
		}
		if errors.Is(err, domain.ErrStaleReceipt) {
			return fmt.Errorf("nack %s: %w", d.Message.ID, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to nack message")
		return fmt.Errorf("failed to nack message %s: %w", d.Message.ID, err)
	}
	q.revokeClaimLease(ctx, txn)
	return nil
}

// Len counts stored messages that are neither claimed nor delayed.
func (q *etcdQueue) Len(ctx context.Context) (int, error) {
	pending, err := q.client.Get(ctx, QueuePendingDir, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	claims, err := q.client.Get(ctx, QueueClaimDir, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, fmt.Errorf("failed to count claims: %w", err)
	}
	n := pending.Count - claims.Count
	if n < 0 {
		n = 0
	}
	return int(n), nil
}
