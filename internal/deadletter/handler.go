// Package deadletter routes jobs that exhausted their retry budget to a
// terminal sink, falling back to a local file when the sink is unavailable.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"

	"async-dispatch/internal/domain"
)

// SinkErrorObserver is told about every primary sink failure.
type SinkErrorObserver interface {
	RecordDeadLetterSinkError()
}

type noopSinkObserver struct{}

func (noopSinkObserver) RecordDeadLetterSinkError() {}

// Handler is a domain.DeadLetterSink that wraps a primary sink and an
// optional fallback.
type Handler struct {
	sink     domain.DeadLetterSink
	fallback domain.DeadLetterSink
	observer SinkErrorObserver
	logger   *slog.Logger
}

type Option func(*Handler)

func WithFallback(sink domain.DeadLetterSink) Option {
	return func(h *Handler) {
		h.fallback = sink
	}
}

func WithObserver(obs SinkErrorObserver) Option {
	return func(h *Handler) {
		h.observer = obs
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func NewHandler(sink domain.DeadLetterSink, opts ...Option) *Handler {
	h := &Handler{
		sink:     sink,
		observer: noopSinkObserver{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With("component", "dead-letter")
	return h
}

// Send returns an error only when neither the sink nor the fallback took the
// dead letter; the caller must then leave the message in the queue.
func (h *Handler) Send(ctx context.Context, dl domain.DeadLetter) error {
	err := h.sink.Send(ctx, dl)
	if err == nil {
		return nil
	}
	h.observer.RecordDeadLetterSinkError()
	h.logger.Error("dead letter sink publish failed",
		"error", err,
		"task_id", dl.Message.Job.TaskID,
		"message_id", dl.Message.ID,
		"attempts", dl.Attempts,
	)
	if h.fallback == nil {
		return err
	}
	if ferr := h.fallback.Send(ctx, dl); ferr != nil {
		return fmt.Errorf("dead letter fallback failed after sink error %v: %w", err, ferr)
	}
	h.logger.Warn("dead letter written to fallback", "task_id", dl.Message.Job.TaskID)
	return nil
}

var _ domain.DeadLetterSink = (*Handler)(nil)
