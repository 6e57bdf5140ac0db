package domain

import "context"

// JobHandler executes the body of one job kind. Because delivery is
// at-least-once, Handle may run more than once for the same task_id.
type JobHandler interface {
	Handle(ctx context.Context, job *Job) (map[string]any, error)
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, job *Job) (map[string]any, error)

func (f JobHandlerFunc) Handle(ctx context.Context, job *Job) (map[string]any, error) {
	return f(ctx, job)
}
