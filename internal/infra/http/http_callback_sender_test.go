package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"async-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHttpCallbackSender_PostsJSON(t *testing.T) {
	var got map[string]any
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewHttpCallbackSender(time.Second)
	err := sender.Send(context.Background(), srv.URL, []byte(`{"taskID":"10000000","sum":"1 + 3 = 4"}`))
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "1 + 3 = 4", got["sum"])
}

func TestHttpCallbackSender_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status   int
		wantErr  bool
		rejected bool
	}{
		{http.StatusOK, false, false},
		{http.StatusNoContent, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusNotFound, true, true},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusServiceUnavailable, true, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewHttpCallbackSender(time.Second).Send(context.Background(), srv.URL, []byte(`{}`))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.rejected, isRejected(err))
		})
	}
}

func TestHttpCallbackSender_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewHttpCallbackSender(200*time.Millisecond).Send(context.Background(), url, []byte(`{}`))
	require.Error(t, err)
	assert.False(t, isRejected(err))
}

func isRejected(err error) bool {
	return errors.Is(err, domain.ErrCallbackRejected)
}
