package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	httpapi "async-dispatch/internal/api/http"
	"async-dispatch/internal/config"
	"async-dispatch/internal/domain"
	"async-dispatch/internal/infra/memory"
	"async-dispatch/internal/receiver"
	"async-dispatch/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type system struct {
	infra     *Infra
	api       *httptest.Server
	callbacks *memory.CallbackStore
	receiver  *httptest.Server
	cancel    context.CancelFunc
	stopped   chan struct{}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Jobs.AddDelay = 10 * time.Millisecond
	cfg.Worker.Count = 2
	cfg.Worker.RetryBackoff = 10 * time.Millisecond
	cfg.Notifier.InitialBackoff = 5 * time.Millisecond
	cfg.Notifier.MaxBackoff = 20 * time.Millisecond
	cfg.Notifier.Timeout = 500 * time.Millisecond
	return cfg
}

func startSystem(t *testing.T, cfg *config.Config) *system {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())

	in, err := NewInfra(ctx, cfg, logger)
	require.NoError(t, err)
	registry, err := NewJobRegistry(cfg)
	require.NoError(t, err)
	deadLetters, closeDL, err := NewDeadLetterHandler(ctx, cfg.DeadLetter, logger)
	require.NoError(t, err)

	svc := usecase.NewDispatchService(in.Queue, in.Repo, in.Dedup, registry, logger)
	router := httpapi.NewRouter()
	httpapi.NewJobHandler(svc, nil, nil, logger).RegisterRoutes(router)
	api := httptest.NewServer(router)

	callbacks := memory.NewCallbackStore()
	rr := chi.NewRouter()
	receiver.NewHandler(callbacks, logger).RegisterRoutes(rr)
	recv := httptest.NewServer(rr)

	pipeline := NewPipeline(cfg, in.Queue, registry, in.Locker, in.Repo, deadLetters, "test-worker", logger)
	s := &system{infra: in, api: api, callbacks: callbacks, receiver: recv, cancel: cancel, stopped: make(chan struct{})}
	go func() {
		defer close(s.stopped)
		_ = pipeline.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-s.stopped
		api.Close()
		recv.Close()
		closeDL()
		in.Close()
	})
	return s
}

func (s *system) submit(t *testing.T, taskID string, x, y int, callback string) httpapi.Reply {
	t.Helper()
	body := fmt.Sprintf(`{"taskID":%q,"x":%d,"y":%d,"callBackURL":%q}`, taskID, x, y, callback)
	resp, err := http.Post(s.api.URL+"/asynsum", "text/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var reply httpapi.Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return reply
}

func (s *system) status(t *testing.T, taskID string) domain.TaskStatus {
	t.Helper()
	rec, err := s.infra.Repo.Get(context.Background(), taskID)
	if err != nil {
		return ""
	}
	return rec.Status
}

func TestEndToEnd_SumIsDeliveredToCallback(t *testing.T) {
	s := startSystem(t, testConfig(t))

	reply := s.submit(t, "10000000", 1, 3, s.receiver.URL+"/callback")
	require.Equal(t, httpapi.CodeAccepted, reply.Code)

	require.Eventually(t, func() bool {
		return s.status(t, "10000000") == domain.TaskStatusDelivered
	}, 5*time.Second, 10*time.Millisecond)

	records, err := s.callbacks.List(context.Background(), "10000000")
	require.NoError(t, err)
	require.Len(t, records, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(records[0].Body, &body))
	assert.Equal(t, "10000000", body["taskID"])
	assert.Equal(t, "1 + 3 = 4", body["sum"])
}

func TestEndToEnd_DemoBatch(t *testing.T) {
	s := startSystem(t, testConfig(t))

	for i := 0; i < 10; i++ {
		x := i + 1
		reply := s.submit(t, fmt.Sprint(10000000+i), x, 3*x, s.receiver.URL+"/callback")
		require.Equal(t, httpapi.CodeAccepted, reply.Code)
	}

	require.Eventually(t, func() bool {
		records, _ := s.callbacks.List(context.Background(), "")
		return len(records) == 10
	}, 5*time.Second, 10*time.Millisecond)

	records, _ := s.callbacks.List(context.Background(), "10000009")
	require.Len(t, records, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(records[0].Body, &body))
	assert.Equal(t, "10 + 30 = 40", body["sum"])
}

func TestEndToEnd_UnreachableCallbackIsAbandonedNotReexecuted(t *testing.T) {
	s := startSystem(t, testConfig(t))

	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL + "/callback"
	dead.Close()

	reply := s.submit(t, "20000000", 2, 6, url)
	require.Equal(t, httpapi.CodeAccepted, reply.Code)

	require.Eventually(t, func() bool {
		return s.status(t, "20000000") == domain.TaskStatusDeliveryFailed
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := s.infra.Repo.Get(context.Background(), "20000000")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts, "the job ran once")

	n, err := s.infra.Queue.(domain.DepthReporter).Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "the message was acked")

	// The system keeps serving after a failed notification.
	reply = s.submit(t, "20000001", 1, 1, s.receiver.URL+"/callback")
	require.Equal(t, httpapi.CodeAccepted, reply.Code)
	require.Eventually(t, func() bool {
		return s.status(t, "20000001") == domain.TaskStatusDelivered
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_DuplicateSubmissionRunsOnce(t *testing.T) {
	s := startSystem(t, testConfig(t))

	first := s.submit(t, "30000000", 1, 3, s.receiver.URL+"/callback")
	second := s.submit(t, "30000000", 1, 3, s.receiver.URL+"/callback")
	assert.Equal(t, httpapi.CodeAccepted, first.Code)
	assert.Equal(t, httpapi.CodeDuplicate, second.Code)

	require.Eventually(t, func() bool {
		return s.status(t, "30000000") == domain.TaskStatusDelivered
	}, 5*time.Second, 10*time.Millisecond)
	records, _ := s.callbacks.List(context.Background(), "30000000")
	assert.Len(t, records, 1)
}
