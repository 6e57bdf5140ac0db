// Package memory provides in-process implementations of the domain
// interfaces. State does not survive a restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"async-dispatch/internal/domain"

	"github.com/google/uuid"
)

const defaultVisibilityTimeout = 30 * time.Second

type claim struct {
	receipt  string
	deadline time.Time
}

// Queue is an in-process at-least-once queue. Claimed messages stay in the
// queue until acked and are redelivered once their visibility window lapses.
type Queue struct {
	mu         sync.Mutex
	messages   map[string]*domain.QueueMessage
	ready      []string
	inflight   map[string]claim
	delayed    map[string]time.Time
	wake       chan struct{}
	closed     bool
	visibility time.Duration
	capacity   int
	now        func() time.Time
	logger     *slog.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithVisibilityTimeout sets how long a claim hides a message.
func WithVisibilityTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithCapacity bounds the number of stored messages. Zero means unbounded.
func WithCapacity(n int) QueueOption {
	return func(q *Queue) {
		q.capacity = n
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates an empty in-memory queue.
func NewQueue(logger *slog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		messages:   make(map[string]*domain.QueueMessage),
		inflight:   make(map[string]claim),
		delayed:    make(map[string]time.Time),
		wake:       make(chan struct{}),
		visibility: defaultVisibilityTimeout,
		now:        time.Now,
		logger:     logger.With("component", "memory-queue"),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue stores a copy of msg at the tail of the ready list.
func (q *Queue) Enqueue(_ context.Context, msg *domain.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}
	if q.capacity > 0 && len(q.messages) >= q.capacity {
		return fmt.Errorf("%w: capacity %d reached", domain.ErrQueueFull, q.capacity)
	}
	if _, exists := q.messages[msg.ID]; exists {
		return fmt.Errorf("message %s already enqueued", msg.ID)
	}

	stored := *msg
	q.messages[msg.ID] = &stored
	q.ready = append(q.ready, msg.ID)
	q.broadcastLocked()
	return nil
}

// Dequeue claims the next ready message, waiting until one is available.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, domain.ErrQueueClosed
		}
		now := q.now()
		q.promoteLocked(now)

		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			msg := q.messages[id]
			msg.DeliveryCount++
			receipt := uuid.NewString()
			q.inflight[id] = claim{receipt: receipt, deadline: now.Add(q.visibility)}
			d := &domain.Delivery{Message: *msg, Receipt: receipt}
			q.mu.Unlock()
			return d, nil
		}

		wait := q.nextDueLocked(now)
		wake := q.wake
		q.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Ack removes a claimed message.
func (q *Queue) Ack(_ context.Context, d *domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := d.Message.ID
	c, ok := q.inflight[id]
	if !ok || c.receipt != d.Receipt {
		return fmt.Errorf("ack %s: %w", id, domain.ErrStaleReceipt)
	}
	delete(q.inflight, id)
	delete(q.messages, id)
	return nil
}

// Nack releases a claim. The message is ready again after delay.
func (q *Queue) Nack(_ context.Context, d *domain.Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := d.Message.ID
	c, ok := q.inflight[id]
	if !ok || c.receipt != d.Receipt {
		return fmt.Errorf("nack %s: %w", id, domain.ErrStaleReceipt)
	}
	delete(q.inflight, id)
	if delay <= 0 {
		q.ready = append(q.ready, id)
	} else {
		q.delayed[id] = q.now().Add(delay)
	}
	q.broadcastLocked()
	return nil
}

// Extend moves the claim deadline one visibility window past now.
func (q *Queue) Extend(_ context.Context, d *domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := d.Message.ID
	c, ok := q.inflight[id]
	now := q.now()
	if !ok || c.receipt != d.Receipt || !now.Before(c.deadline) {
		return fmt.Errorf("extend %s: %w", id, domain.ErrStaleReceipt)
	}
	c.deadline = now.Add(q.visibility)
	q.inflight[id] = c
	return nil
}

// Reclaim returns expired claims and due delayed messages to the ready list.
func (q *Queue) Reclaim(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.promoteLocked(q.now())
	if n > 0 {
		q.broadcastLocked()
	}
	return n, nil
}

// Len reports how many stored messages are not currently claimed.
func (q *Queue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages) - len(q.inflight), nil
}

// Close wakes all waiting consumers; further calls fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcastLocked()
	}
}

func (q *Queue) promoteLocked(now time.Time) int {
	moved := 0
	for id, c := range q.inflight {
		if now.Before(c.deadline) {
			continue
		}
		delete(q.inflight, id)
		q.ready = append(q.ready, id)
		moved++
		q.logger.Warn("visibility timeout expired, message redelivered",
			"message_id", id,
			"task_id", q.messages[id].Job.TaskID,
			"delivery_count", q.messages[id].DeliveryCount)
	}
	for id, at := range q.delayed {
		if now.Before(at) {
			continue
		}
		delete(q.delayed, id)
		q.ready = append(q.ready, id)
		moved++
	}
	return moved
}

// nextDueLocked returns the time until the earliest claim deadline or delayed
// message, or zero when nothing is pending.
func (q *Queue) nextDueLocked(now time.Time) time.Duration {
	var next time.Time
	for _, c := range q.inflight {
		if next.IsZero() || c.deadline.Before(next) {
			next = c.deadline
		}
	}
	for _, at := range q.delayed {
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	if next.IsZero() {
		return 0
	}
	if wait := next.Sub(now); wait > time.Millisecond {
		return wait
	}
	return time.Millisecond
}

func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

var (
	_ domain.Queue         = (*Queue)(nil)
	_ domain.Reclaimer     = (*Queue)(nil)
	_ domain.DepthReporter = (*Queue)(nil)
)
