package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"async-dispatch/internal/domain"
)

// Response codes carried in the "code" field of every reply.
const (
	CodeAccepted    = "0"
	CodeInvalid     = "1"
	CodeDuplicate   = "2"
	CodeUnavailable = "3"
)

// Reply is the body of every dispatch API response.
type Reply struct {
	Msg    string `json:"msg"`
	Code   string `json:"code"`
	TaskID string `json:"task_id,omitempty"`
}

// reserved lists the request fields that are not part of the job payload,
// with their accepted spellings.
var reserved = map[string]string{
	"task_id":      "task_id",
	"taskID":       "task_id",
	"kind":         "kind",
	"callback_url": "callback_url",
	"callBackURL":  "callback_url",
}

// SubmitRequest is the Data Transfer Object for a job submission. Any field
// that is not reserved becomes part of the job payload.
type SubmitRequest struct {
	TaskID      string `validate:"omitempty,min=1,max=128"`
	Kind        string `validate:"omitempty,max=64"`
	CallbackURL string `validate:"required,http_url"`
	Payload     map[string]json.RawMessage
}

// DecodeSubmitRequest parses a submission body. The body must be exactly one
// JSON object, and two spellings of the same field must agree.
func DecodeSubmitRequest(body []byte) (*SubmitRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: body must be a JSON object: %v", domain.ErrInvalidJob, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", domain.ErrInvalidJob)
	}

	req := &SubmitRequest{Payload: make(map[string]json.RawMessage, len(fields))}
	seen := make(map[string]string, len(reserved))
	for key, raw := range fields {
		canonical, ok := reserved[key]
		if !ok {
			req.Payload[key] = raw
			continue
		}
		value, err := scalarString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", domain.ErrInvalidJob, key, err)
		}
		if prev, dup := seen[canonical]; dup && prev != value {
			return nil, fmt.Errorf("%w: conflicting values for %s", domain.ErrInvalidJob, canonical)
		}
		seen[canonical] = value
		switch canonical {
		case "task_id":
			if value == "" {
				return nil, fmt.Errorf("%w: field %q cannot be empty", domain.ErrInvalidJob, key)
			}
			req.TaskID = value
		case "kind":
			req.Kind = value
		case "callback_url":
			req.CallbackURL = value
		}
	}
	return req, nil
}

// scalarString accepts a JSON string or number. Task identifiers are often
// sent as numbers.
func scalarString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("must be a string or number")
}

// ToDomainJob converts a SubmitRequest DTO to a domain.Job object.
func (r *SubmitRequest) ToDomainJob() *domain.Job {
	return &domain.Job{
		TaskID:      r.TaskID,
		Kind:        r.Kind,
		Payload:     r.Payload,
		CallbackURL: r.CallbackURL,
	}
}
