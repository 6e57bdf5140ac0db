package deadletter

import (
	"context"
	"log/slog"

	"async-dispatch/internal/domain"
)

// LogSink records dead letters in the structured log only.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, dl domain.DeadLetter) error {
	s.logger.Error("job dead-lettered",
		"task_id", dl.Message.Job.TaskID,
		"message_id", dl.Message.ID,
		"kind", dl.Message.Job.Kind,
		"callback_url", dl.Message.Job.CallbackURL,
		"attempts", dl.Attempts,
		"error", dl.Error,
		"failed_at", dl.FailedAt,
	)
	return nil
}
