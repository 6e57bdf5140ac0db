package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrCallbackRejected marks a delivery the receiver refused in a way retrying
// cannot fix, such as a 4xx response other than 408 or 429.
var ErrCallbackRejected = errors.New("callback rejected")

// CallbackSender performs a single outbound push of a callback body.
// Errors wrapping ErrCallbackRejected must not be retried.
type CallbackSender interface {
	Send(ctx context.Context, callbackURL string, body []byte) error
}

// CallbackRecord is stored by the receiver for every delivery it accepts.
// Receivers do not deduplicate.
type CallbackRecord struct {
	TaskID     string          `json:"task_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Body       json.RawMessage `json:"body"`
}

// CallbackStore persists received callbacks.
type CallbackStore interface {
	Save(ctx context.Context, record *CallbackRecord) error
	// List returns records for taskID, or all records when taskID is empty,
	// oldest first.
	List(ctx context.Context, taskID string) ([]*CallbackRecord, error)
}
