package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// DefaultJobKind is the handler used when a submission does not name one.
const DefaultJobKind = "add"

// MaxTaskIDLength bounds caller supplied task identifiers.
const MaxTaskIDLength = 128

var (
	// ErrInvalidJob is returned when a submission fails validation.
	ErrInvalidJob = errors.New("invalid job")
	// ErrDuplicateTask is returned when a caller supplied task_id was already accepted.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrUnknownJobKind is returned when no handler is registered for a job kind.
	ErrUnknownJobKind = errors.New("unknown job kind")
)

// Job is a unit of submitted work with a target callback.
// It is immutable once enqueued.
type Job struct {
	TaskID      string                     `json:"task_id" cbor:"task_id"`
	Kind        string                     `json:"kind" cbor:"kind"`
	Payload     map[string]json.RawMessage `json:"payload" cbor:"payload"`
	CallbackURL string                     `json:"callback_url" cbor:"callback_url"`
	SubmittedAt time.Time                  `json:"submitted_at" cbor:"submitted_at"`
}

// Validate checks the job definition. TaskID may be empty when the caller
// expects the dispatcher to generate one.
func (j *Job) Validate() error {
	if len(j.TaskID) > MaxTaskIDLength {
		return fmt.Errorf("%w: task_id longer than %d characters", ErrInvalidJob, MaxTaskIDLength)
	}
	if j.CallbackURL == "" {
		return fmt.Errorf("%w: callback_url cannot be empty", ErrInvalidJob)
	}
	if err := ValidateCallbackURL(j.CallbackURL); err != nil {
		return err
	}
	for key, raw := range j.Payload {
		if !json.Valid(raw) {
			return fmt.Errorf("%w: payload field %q is not valid JSON", ErrInvalidJob, key)
		}
	}
	if j.Kind == "" {
		j.Kind = DefaultJobKind
	}
	return nil
}

// ValidateCallbackURL accepts absolute http and https URLs with a host.
func ValidateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: callback_url: %v", ErrInvalidJob, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: callback_url scheme must be http or https", ErrInvalidJob)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: callback_url must have a host", ErrInvalidJob)
	}
	return nil
}

// Result is what a worker produces after a successful execution. Failed jobs
// are retried or dead-lettered and never become results.
type Result struct {
	TaskID      string         `json:"task_id"`
	CallbackURL string         `json:"callback_url"`
	Outcome     map[string]any `json:"outcome,omitempty"`
	Attempts    int            `json:"attempts"`
	ProducedAt  time.Time      `json:"produced_at"`
}

// CallbackBody renders the body pushed to the callback address: the outcome
// fields keyed by taskID.
func (r *Result) CallbackBody() ([]byte, error) {
	body := make(map[string]any, len(r.Outcome)+1)
	for k, v := range r.Outcome {
		body[k] = v
	}
	body["taskID"] = r.TaskID
	return json.Marshal(body)
}
