package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"async-dispatch/internal/domain"
	"async-dispatch/internal/infra/memory"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, logs *bytes.Buffer) (*httptest.Server, *memory.CallbackStore) {
	t.Helper()
	var w io.Writer = io.Discard
	if logs != nil {
		w = logs
	}
	store := memory.NewCallbackStore()
	r := chi.NewRouter()
	NewHandler(store, slog.New(slog.NewTextHandler(w, nil))).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestCallback_StoresAndLogs(t *testing.T) {
	var logs bytes.Buffer
	srv, store := newServer(t, &logs)

	resp, err := http.Post(srv.URL+"/callback", "text/json", strings.NewReader(`{"taskID":"10000000","sum":"1 + 3 = 4"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"msg":"ok","code":"0"}`, string(body))

	records, err := store.List(context.Background(), "10000000")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"taskID":"10000000","sum":"1 + 3 = 4"}`, string(records[0].Body))
	assert.Contains(t, logs.String(), "taskID = 10000000, 1 + 3 = 4")
}

func TestCallback_AcceptsSnakeCaseTaskID(t *testing.T) {
	srv, store := newServer(t, nil)
	resp, err := http.Post(srv.URL+"/callback", "application/json", strings.NewReader(`{"task_id":7,"sum":"3 + 4 = 7"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	records, _ := store.List(context.Background(), "7")
	assert.Len(t, records, 1)
}

func TestCallback_MissingTaskID(t *testing.T) {
	srv, store := newServer(t, nil)
	for _, body := range []string{`{"sum":"1 + 1 = 2"}`, `not json`, `{"taskID":""}`} {
		resp, err := http.Post(srv.URL+"/callback", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		var r map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "1", r["code"])
	}
	records, _ := store.List(context.Background(), "")
	assert.Empty(t, records)
}

func TestCallback_DuplicatesAreStored(t *testing.T) {
	srv, _ := newServer(t, nil)
	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/callback", "application/json", strings.NewReader(`{"taskID":"dup","sum":"1 + 3 = 4"}`))
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/callbacks?task_id=dup")
	require.NoError(t, err)
	defer resp.Body.Close()
	var records []domain.CallbackRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	assert.Len(t, records, 2)
}
