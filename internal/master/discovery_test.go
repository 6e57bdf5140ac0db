package master

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"async-dispatch/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registration(t *testing.T, id, addr string) ([]byte, []byte) {
	t.Helper()
	value, err := json.Marshal(worker.Registration{ID: id, Addr: addr, Workers: 4, StartedAt: time.Now()})
	require.NoError(t, err)
	return []byte(worker.WorkerRegistryPrefix + id), value
}

func TestWorkerDiscovery_TracksPutAndDelete(t *testing.T) {
	d := NewWorkerDiscovery(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	k1, v1 := registration(t, "w1", "10.0.0.2:50052")
	k2, v2 := registration(t, "w2", "10.0.0.1:50052")
	d.put(k1, v1)
	d.put(k2, v2)
	d.put(k1, v1)
	assert.Equal(t, []string{"10.0.0.1:50052", "10.0.0.2:50052"}, d.GetWorkers())

	d.remove(k1)
	assert.Equal(t, []string{"10.0.0.1:50052"}, d.GetWorkers())
}

func TestWorkerDiscovery_IgnoresMalformedValues(t *testing.T) {
	d := NewWorkerDiscovery(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.put([]byte(worker.WorkerRegistryPrefix+"bad"), []byte("10.0.0.9:50052"))
	assert.Empty(t, d.GetWorkers())
}
