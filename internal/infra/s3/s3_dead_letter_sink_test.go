package s3

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"async-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryObjects struct {
	objects map[string][]byte
	err     error
}

func (m *memoryObjects) PutObject(_ context.Context, bucket, key string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

func sampleDeadLetter() domain.DeadLetter {
	return domain.DeadLetter{
		Message:  domain.QueueMessage{ID: "m-9", Job: domain.Job{TaskID: "10000009"}},
		Error:    "boom",
		Attempts: 2,
		FailedAt: time.Date(2026, 3, 7, 23, 59, 0, 0, time.UTC),
	}
}

func TestDeadLetterSink_PutsDatedObject(t *testing.T) {
	store := &memoryObjects{objects: map[string][]byte{}}
	sink := NewDeadLetterSink(store, "archive", "dead-letter/")

	require.NoError(t, sink.Send(context.Background(), sampleDeadLetter()))

	data, ok := store.objects["archive/dead-letter/2026/03/07/10000009-m-9.json"]
	require.True(t, ok, "object not written at expected key: %v", store.objects)
	var got domain.DeadLetter
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "boom", got.Error)
}

func TestDeadLetterSink_WrapsClientError(t *testing.T) {
	sink := NewDeadLetterSink(&memoryObjects{err: errors.New("access denied")}, "archive", "")
	err := sink.Send(context.Background(), sampleDeadLetter())
	assert.ErrorContains(t, err, "access denied")
	assert.ErrorContains(t, err, "archive/2026/03/07")
}
