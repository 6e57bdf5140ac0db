package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTask struct{ runs atomic.Int32 }

func (t *countingTask) Name() string            { return "count" }
func (t *countingTask) Run(ctx context.Context) { t.runs.Add(1) }

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 10s"))
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.NoError(t, ValidateSchedule("*/5 * * * * *"))
	assert.Error(t, ValidateSchedule("every ten seconds"))
}

func TestCronScheduler_RunsTaskUntilStopped(t *testing.T) {
	s := NewCronScheduler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	task := &countingTask{}
	require.NoError(t, s.AddTask("@every 1s", task))

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, task.runs.Load(), int32(1))

	after := task.runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, task.runs.Load())
}

func TestCronScheduler_RejectsBadSchedule(t *testing.T) {
	s := NewCronScheduler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, s.AddTask("nope", &countingTask{}))
}
