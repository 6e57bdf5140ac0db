package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"async-dispatch/internal/domain"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type httpCallbackSender struct {
	client *http.Client
}

// NewHttpCallbackSender returns a sender whose requests carry the caller's
// trace context. timeout bounds a single attempt.
func NewHttpCallbackSender(timeout time.Duration) domain.CallbackSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpCallbackSender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Send performs one POST of body to callbackURL. Any 2xx is success.
func (s *httpCallbackSender) Send(ctx context.Context, callbackURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create http request: %v", domain.ErrCallbackRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read a small portion of the body for error reporting.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("callback returned retriable status %s: %s", resp.Status, bodyBytes)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: callback returned 4xx client error %s: %s", domain.ErrCallbackRejected, resp.Status, bodyBytes)
	default:
		return fmt.Errorf("callback returned server error %s: %s", resp.Status, bodyBytes)
	}
}
