package loadgen

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_SubmitsDemoBatch(t *testing.T) {
	var (
		mu       sync.Mutex
		seen     = map[string][2]float64{}
		inflight atomic.Int32
		peak     atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		seen[body["taskID"].(string)] = [2]float64{body["x"].(float64), body["y"].(float64)}
		mu.Unlock()
		if body["taskID"] == "10000003" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"msg":"duplicate task id","code":"2"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"msg":"ok","code":"0"}`))
	}))
	defer srv.Close()

	summary, err := Run(context.Background(), srv.Client(), Options{
		URL:         srv.URL + "/asynsum",
		CallbackURL: "http://127.0.0.1:5002/callback",
		Count:       10,
		Concurrency: 5,
		StartID:     10000000,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, Summary{Accepted: 9, Rejected: 1}, summary)
	assert.Len(t, seen, 10)
	assert.Equal(t, [2]float64{1, 3}, seen["10000000"])
	assert.Equal(t, [2]float64{10, 30}, seen["10000009"])
	assert.LessOrEqual(t, peak.Load(), int32(5))
}

func TestRun_CountsTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	summary, err := Run(context.Background(), http.DefaultClient, Options{URL: url, CallbackURL: "http://h/cb", Count: 3, Concurrency: 2, StartID: 1},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Failed)
}
