package domain

import (
	"context"
	"time"
)

// DeadLetter is a job that exhausted its execution retry budget.
type DeadLetter struct {
	Message  QueueMessage `json:"message"`
	Error    string       `json:"error"`
	Attempts int          `json:"attempts"`
	FailedAt time.Time    `json:"failed_at"`
}

// DeadLetterSink is the terminal destination for dead letters.
type DeadLetterSink interface {
	Send(ctx context.Context, dl DeadLetter) error
}
