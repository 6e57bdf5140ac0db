package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"async-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addJob(x, y string) *domain.Job {
	return &domain.Job{
		TaskID: "10000000",
		Kind:   AddKind,
		Payload: map[string]json.RawMessage{
			"x": json.RawMessage(x),
			"y": json.RawMessage(y),
		},
		CallbackURL: "http://localhost:5002/callback",
	}
}

func TestAddHandler_Sums(t *testing.T) {
	tests := []struct {
		name string
		x, y string
		want string
	}{
		{"integers", "1", "3", "1 + 3 = 4"},
		{"larger integers", "10", "30", "10 + 30 = 40"},
		{"negative", "-2", "5", "-2 + 5 = 3"},
		{"floats", "1.5", "2.25", "1.5 + 2.25 = 3.75"},
		{"mixed", "1", "0.5", "1 + 0.5 = 1.5"},
		{"numeric strings", `"2"`, `"6"`, "2 + 6 = 8"},
		{"past int64", "9223372036854775807", "1", "9223372036854775807 + 1 = 9223372036854775808"},
		{"big negatives", "-9223372036854775808", "-9223372036854775808", "-9223372036854775808 + -9223372036854775808 = -18446744073709551616"},
		{"huge integers", "123456789012345678901234567890", "1", "123456789012345678901234567890 + 1 = 123456789012345678901234567891"},
	}
	h := NewAddHandler(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.Handle(context.Background(), addJob(tt.x, tt.y))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out["sum"])
		})
	}
}

func TestAddHandler_RejectsBadOperands(t *testing.T) {
	h := NewAddHandler(0)

	_, err := h.Handle(context.Background(), addJob(`"abc"`, "1"))
	assert.ErrorContains(t, err, `"x" is not a number`)

	_, err = h.Handle(context.Background(), addJob("1", "true"))
	assert.ErrorContains(t, err, `"y" is not a number`)

	job := addJob("1", "2")
	delete(job.Payload, "y")
	_, err = h.Handle(context.Background(), job)
	assert.ErrorContains(t, err, "missing")
}

func TestAddHandler_IsRepeatable(t *testing.T) {
	h := NewAddHandler(0)
	job := addJob("3", "9")
	first, err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	second, err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAddHandler_DelayHonoursContext(t *testing.T) {
	h := NewAddHandler(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Handle(ctx, addJob("1", "3"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(AddKind, NewAddHandler(0)))
	assert.Error(t, r.Register(AddKind, NewAddHandler(0)))

	h, err := r.Lookup(AddKind)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.True(t, r.Has(AddKind))

	_, err = r.Lookup("multiply")
	assert.ErrorIs(t, err, domain.ErrUnknownJobKind)
	assert.Equal(t, []string{"add"}, r.Kinds())
}
