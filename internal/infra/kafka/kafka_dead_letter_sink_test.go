package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"async-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecord_KeysByTaskAndCarriesMetadata(t *testing.T) {
	dl := domain.DeadLetter{
		Message: domain.QueueMessage{
			ID:           "m-1",
			Job:          domain.Job{TaskID: "10000004", Kind: "add", CallbackURL: "http://localhost:5002/callback"},
			TraceHeaders: map[string]string{"traceparent": "00-abc-def-01"},
		},
		Error:    "handler panicked",
		Attempts: 2,
		FailedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}

	record, err := buildRecord(dl)
	require.NoError(t, err)
	assert.Equal(t, "10000004", string(record.Key))

	var job domain.Job
	require.NoError(t, json.Unmarshal(record.Value, &job))
	assert.Equal(t, "http://localhost:5002/callback", job.CallbackURL)

	headers := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "handler panicked", headers["error"])
	assert.Equal(t, "2", headers["attempts"])
	assert.Equal(t, "m-1", headers["message_id"])
	assert.Equal(t, "2026-10-01T12:00:00Z", headers["failed_at"])
	assert.Equal(t, "00-abc-def-01", headers["traceparent"])
}

func TestProducerOpts_SplitsBrokers(t *testing.T) {
	opts := producerOpts("k1:9092,k2:9092", "dispatch.dead-letter")
	assert.Len(t, opts, 5)
	assert.GreaterOrEqual(t, producerDeliveryTimeout, 10*time.Second)
	assert.GreaterOrEqual(t, producerRetries, 1)
}
