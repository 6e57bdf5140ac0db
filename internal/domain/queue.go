// internal/domain/queue.go
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueUnavailable is returned by the dispatcher when a job could not be enqueued.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrQueueFull is returned by bounded queues when capacity is reached.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned once a queue has been closed.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrStaleReceipt is returned when acking or nacking a delivery whose claim
	// has expired or was already settled.
	ErrStaleReceipt = errors.New("stale delivery receipt")
)

// QueueMessage is a serialized Job plus queue metadata.
type QueueMessage struct {
	ID            string            `json:"id" cbor:"id"`
	Job           Job               `json:"job" cbor:"job"`
	EnqueuedAt    time.Time         `json:"enqueued_at" cbor:"enqueued_at"`
	DeliveryCount int               `json:"delivery_count" cbor:"delivery_count"`
	TraceHeaders  map[string]string `json:"trace_headers,omitempty" cbor:"trace_headers,omitempty"`
}

// Delivery is a claimed message. The receipt identifies the claim and must be
// presented to Ack or Nack.
type Delivery struct {
	Message QueueMessage
	Receipt string
}

// Queue is the broker abstraction between submission and execution.
// Delivery is at-least-once: a dequeued message is hidden for the visibility
// window and becomes available again unless it is acked.
type Queue interface {
	// Enqueue stores a message. Bounded queues return ErrQueueFull.
	Enqueue(ctx context.Context, msg *QueueMessage) error
	// Dequeue blocks until a message can be claimed or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes a claimed message permanently.
	Ack(ctx context.Context, d *Delivery) error
	// Nack releases a claim; the message becomes available again after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	// Extend keeps a claim hidden for another visibility window counted from
	// now. It returns ErrStaleReceipt once the claim is lost.
	Extend(ctx context.Context, d *Delivery) error
}

// Reclaimer is implemented by queues whose expired claims must be returned
// to the pending set by a periodic sweep.
type Reclaimer interface {
	Reclaim(ctx context.Context) (int, error)
}

// DepthReporter is implemented by queues that can report pending depth.
type DepthReporter interface {
	Len(ctx context.Context) (int, error)
}

// Codec encodes queue messages for brokers that store bytes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}
