package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"async-dispatch/internal/domain"
)

// AddKind is the kind name of the demo job.
const AddKind = "add"

// AddHandler waits for Delay and then adds payload fields x and y, returning
// {"sum": "x + y = z"}. It has no side effects, so re-running it for the same
// task is harmless.
type AddHandler struct {
	Delay time.Duration
}

func NewAddHandler(delay time.Duration) *AddHandler {
	return &AddHandler{Delay: delay}
}

func (h *AddHandler) Handle(ctx context.Context, job *domain.Job) (map[string]any, error) {
	x, err := operand(job.Payload, "x")
	if err != nil {
		return nil, err
	}
	y, err := operand(job.Payload, "y")
	if err != nil {
		return nil, err
	}

	if h.Delay > 0 {
		timer := time.NewTimer(h.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return map[string]any{"sum": formatSum(x, y)}, nil
}

func operand(payload map[string]json.RawMessage, key string) (json.Number, error) {
	raw, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("payload field %q is missing", key)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("payload field %q: %w", key, err)
	}
	switch n := v.(type) {
	case json.Number:
		return n, nil
	case string:
		// The demo client sends numbers, but accept numeric strings too.
		if _, err := strconv.ParseFloat(n, 64); err != nil {
			return "", fmt.Errorf("payload field %q is not a number: %q", key, n)
		}
		return json.Number(n), nil
	default:
		return "", fmt.Errorf("payload field %q is not a number", key)
	}
}

// formatSum adds integer operands exactly, whatever their size, and prints
// the shortest float representation otherwise.
func formatSum(x, y json.Number) string {
	xi, xok := new(big.Int).SetString(x.String(), 10)
	yi, yok := new(big.Int).SetString(y.String(), 10)
	if xok && yok {
		return fmt.Sprintf("%s + %s = %s", xi, yi, new(big.Int).Add(xi, yi))
	}
	xf, _ := x.Float64()
	yf, _ := y.Float64()
	return fmt.Sprintf("%s + %s = %s", formatFloat(xf), formatFloat(yf), formatFloat(xf+yf))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var _ domain.JobHandler = (*AddHandler)(nil)
