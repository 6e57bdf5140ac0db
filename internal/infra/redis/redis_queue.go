// internal/infra/redis/redis_queue.go
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"async-dispatch/internal/domain"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Key layout under the configured prefix:
//
//	{prefix}:pending       LIST of message ids, LPUSH at the tail, RPOP at the head
//	{prefix}:inflight      ZSET of claimed ids scored by claim deadline (unix ms)
//	{prefix}:delayed       ZSET of nacked ids scored by due time (unix ms)
//	{prefix}:msg:{id}      HASH body, deliveries, receipt

// promote moves expired claims and due delayed ids back to pending.
const promoteLua = `
local function promote(pending, inflight, delayed, now)
  local moved = 0
  local expired = redis.call('ZRANGEBYSCORE', inflight, '-inf', now)
  for _, id in ipairs(expired) do
    redis.call('ZREM', inflight, id)
    redis.call('LPUSH', pending, id)
    moved = moved + 1
  end
  local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now)
  for _, id in ipairs(due) do
    redis.call('ZREM', delayed, id)
    redis.call('LPUSH', pending, id)
    moved = moved + 1
  end
  return moved
end
`

var enqueueScript = goredis.NewScript(`
local pending, inflight, delayed, msg = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local capacity = tonumber(ARGV[3])
if capacity > 0 then
  local size = redis.call('LLEN', pending) + redis.call('ZCARD', inflight) + redis.call('ZCARD', delayed)
  if size >= capacity then
    return -1
  end
end
if redis.call('EXISTS', msg) == 1 then
  return -2
end
redis.call('HSET', msg, 'body', ARGV[2], 'deliveries', 0)
redis.call('LPUSH', pending, ARGV[1])
return 1
`)

var dequeueScript = goredis.NewScript(promoteLua + `
local pending, inflight, delayed = KEYS[1], KEYS[2], KEYS[3]
local now, deadline, receipt, msgPrefix = tonumber(ARGV[1]), tonumber(ARGV[2]), ARGV[3], ARGV[4]
promote(pending, inflight, delayed, now)
while true do
  local id = redis.call('RPOP', pending)
  if not id then
    return false
  end
  local msg = msgPrefix .. id
  if redis.call('EXISTS', msg) == 1 then
    local deliveries = redis.call('HINCRBY', msg, 'deliveries', 1)
    redis.call('HSET', msg, 'receipt', receipt)
    redis.call('ZADD', inflight, deadline, id)
    return {id, redis.call('HGET', msg, 'body'), deliveries}
  end
end
`)

var ackScript = goredis.NewScript(`
local inflight, msg = KEYS[1], KEYS[2]
if not redis.call('ZSCORE', inflight, ARGV[1]) then
  return 0
end
if redis.call('HGET', msg, 'receipt') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', inflight, ARGV[1])
redis.call('DEL', msg)
return 1
`)

var nackScript = goredis.NewScript(`
local pending, inflight, delayed, msg = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
if not redis.call('ZSCORE', inflight, ARGV[1]) then
  return 0
end
if redis.call('HGET', msg, 'receipt') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', inflight, ARGV[1])
redis.call('HDEL', msg, 'receipt')
local due = tonumber(ARGV[3])
if due > 0 then
  redis.call('ZADD', delayed, due, ARGV[1])
else
  redis.call('LPUSH', pending, ARGV[1])
end
return 1
`)

var extendScript = goredis.NewScript(`
local inflight, msg = KEYS[1], KEYS[2]
local score = redis.call('ZSCORE', inflight, ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
  return 0
end
if redis.call('HGET', msg, 'receipt') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', inflight, 'XX', ARGV[4], ARGV[1])
return 1
`)

var reclaimScript = goredis.NewScript(promoteLua + `
return promote(KEYS[1], KEYS[2], KEYS[3], tonumber(ARGV[1]))
`)

type redisQueue struct {
	client       goredis.UniversalClient
	codec        domain.Codec
	prefix       string
	visibility   time.Duration
	pollInterval time.Duration
	capacity     int
	now          func() time.Time
	logger       *slog.Logger
	tracer       trace.Tracer
}

// QueueConfig holds the tunables of the redis queue.
type QueueConfig struct {
	Prefix            string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Capacity          int
}

// Queue is the redis backed queue; it also reclaims and reports depth.
type Queue interface {
	domain.Queue
	domain.Reclaimer
	domain.DepthReporter
}

// NewRedisQueue creates a queue whose state lives entirely in redis, so any
// number of dispatchers and workers may share it.
func NewRedisQueue(client goredis.UniversalClient, codec domain.Codec, cfg QueueConfig, logger *slog.Logger) Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = "dispatch"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &redisQueue{
		client:       client,
		codec:        codec,
		prefix:       cfg.Prefix,
		visibility:   cfg.VisibilityTimeout,
		pollInterval: cfg.PollInterval,
		capacity:     cfg.Capacity,
		now:          time.Now,
		logger:       logger.With("component", "redis-queue"),
		tracer:       otel.Tracer("async-dispatch-redis-queue"),
	}
}

func (q *redisQueue) pendingKey() string  { return q.prefix + ":pending" }
func (q *redisQueue) inflightKey() string { return q.prefix + ":inflight" }
func (q *redisQueue) delayedKey() string  { return q.prefix + ":delayed" }
func (q *redisQueue) msgPrefix() string   { return q.prefix + ":msg:" }
func (q *redisQueue) msgKey(id string) string {
	return q.msgPrefix() + id
}

func (q *redisQueue) Enqueue(ctx context.Context, msg *domain.QueueMessage) error {
	ctx, span := q.tracer.Start(ctx, "queue.redis.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("task.id", msg.Job.TaskID),
	)

	body, err := q.codec.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode message")
		return fmt.Errorf("failed to encode message %s with %s: %w", msg.ID, q.codec.Name(), err)
	}

	keys := []string{q.pendingKey(), q.inflightKey(), q.delayedKey(), q.msgKey(msg.ID)}
	res, err := enqueueScript.Run(ctx, q.client, keys, msg.ID, body, q.capacity).Int()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to enqueue message")
		return fmt.Errorf("failed to enqueue message %s: %w", msg.ID, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: capacity %d reached", domain.ErrQueueFull, q.capacity)
	case -2:
		return fmt.Errorf("message %s already enqueued", msg.ID)
	}
	return nil
}

// Dequeue polls redis every pollInterval until a message is claimed.
func (q *redisQueue) Dequeue(ctx context.Context) (*domain.Delivery, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		d, err := q.tryDequeue(ctx)
		if err != nil || d != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *redisQueue) tryDequeue(ctx context.Context) (*domain.Delivery, error) {
	now := q.now()
	receipt := uuid.NewString()
	keys := []string{q.pendingKey(), q.inflightKey(), q.delayedKey()}
	res, err := dequeueScript.Run(ctx, q.client, keys,
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), receipt, q.msgPrefix()).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected dequeue reply of length %d", len(res))
	}

	id, _ := res[0].(string)
	body, _ := res[1].(string)
	deliveries, _ := res[2].(int64)

	var msg domain.QueueMessage
	if err := q.codec.Unmarshal([]byte(body), &msg); err != nil {
		// An undecodable message can never succeed; drop it so it does not
		// cycle through the visibility window forever.
		q.logger.Error("dropping undecodable message", "message_id", id, "codec", q.codec.Name(), "error", err)
		_ = q.Ack(ctx, &domain.Delivery{Message: domain.QueueMessage{ID: id}, Receipt: receipt})
		return nil, nil
	}
	msg.ID = id
	msg.DeliveryCount = int(deliveries)
	return &domain.Delivery{Message: msg, Receipt: receipt}, nil
}

func (q *redisQueue) Ack(ctx context.Context, d *domain.Delivery) error {
	ctx, span := q.tracer.Start(ctx, "queue.redis.Ack")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", d.Message.ID))

	keys := []string{q.inflightKey(), q.msgKey(d.Message.ID)}
	ok, err := ackScript.Run(ctx, q.client, keys, d.Message.ID, d.Receipt).Int()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ack message")
		return fmt.Errorf("failed to ack message %s: %w", d.Message.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("ack %s: %w", d.Message.ID, domain.ErrStaleReceipt)
	}
	return nil
}

func (q *redisQueue) Nack(ctx context.Context, d *domain.Delivery, delay time.Duration) error {
	ctx, span := q.tracer.Start(ctx, "queue.redis.Nack")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", d.Message.ID),
		attribute.Int64("delay_ms", delay.Milliseconds()),
	)

	var due int64
	if delay > 0 {
		due = q.now().Add(delay).UnixMilli()
	}
	keys := []string{q.pendingKey(), q.inflightKey(), q.delayedKey(), q.msgKey(d.Message.ID)}
	ok, err := nackScript.Run(ctx, q.client, keys, d.Message.ID, d.Receipt, due).Int()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to nack message")
		return fmt.Errorf("failed to nack message %s: %w", d.Message.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("nack %s: %w", d.Message.ID, domain.ErrStaleReceipt)
	}
	return nil
}

// Extend rescores the claim so the sweep leaves it alone for another window.
func (q *redisQueue) Extend(ctx context.Context, d *domain.Delivery) error {
	now := q.now()
	keys := []string{q.inflightKey(), q.msgKey(d.Message.ID)}
	ok, err := extendScript.Run(ctx, q.client, keys,
		d.Message.ID, d.Receipt, now.UnixMilli(), now.Add(q.visibility).UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend claim on %s: %w", d.Message.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("extend %s: %w", d.Message.ID, domain.ErrStaleReceipt)
	}
	return nil
}

func (q *redisQueue) Reclaim(ctx context.Context) (int, error) {
	keys := []string{q.pendingKey(), q.inflightKey(), q.delayedKey()}
	n, err := reclaimScript.Run(ctx, q.client, keys, q.now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired claims: %w", err)
	}
	if n > 0 {
		q.logger.Warn("returned expired claims to pending", "count", n)
	}
	return n, nil
}

func (q *redisQueue) Len(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return int(pending.Val() + delayed.Val()), nil
}
