// Package loadgen submits batches of add jobs to a dispatcher.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Options describes one batch. Job i is submitted with
// task_id = StartID+i, x = i+1 and y = 3x.
type Options struct {
	URL         string
	CallbackURL string
	Count       int
	Concurrency int
	StartID     int
}

// Summary counts replies by outcome.
type Summary struct {
	Accepted int64
	Rejected int64
	Failed   int64
}

type submitReply struct {
	Msg    string `json:"msg"`
	Code   string `json:"code"`
	TaskID string `json:"task_id"`
}

// Run submits the batch with at most Options.Concurrency requests in flight.
// Individual failures are counted, not returned.
func Run(ctx context.Context, client *http.Client, opts Options, logger *slog.Logger) (Summary, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	var accepted, rejected, failed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := 0; i < opts.Count; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			taskID := strconv.Itoa(opts.StartID + i)
			x := i + 1
			reply, status, err := submit(ctx, client, opts, taskID, x, 3*x)
			switch {
			case err != nil:
				failed.Add(1)
				logger.Error("submission failed", "task_id", taskID, "error", err)
			case reply.Code == "0":
				accepted.Add(1)
				logger.Info("submitted", "task_id", taskID, "x", x, "y", 3*x)
			default:
				rejected.Add(1)
				logger.Warn("submission rejected", "task_id", taskID, "status", status, "code", reply.Code, "msg", reply.Msg)
			}
			return nil
		})
	}
	err := g.Wait()
	return Summary{Accepted: accepted.Load(), Rejected: rejected.Load(), Failed: failed.Load()}, err
}

func submit(ctx context.Context, client *http.Client, opts Options, taskID string, x, y int) (submitReply, int, error) {
	body, err := json.Marshal(map[string]any{
		"taskID":      taskID,
		"x":           x,
		"y":           y,
		"callBackURL": opts.CallbackURL,
	})
	if err != nil {
		return submitReply{}, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.URL, bytes.NewReader(body))
	if err != nil {
		return submitReply{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return submitReply{}, 0, err
	}
	defer resp.Body.Close()

	var reply submitReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return submitReply{}, resp.StatusCode, fmt.Errorf("decode reply: %w", err)
	}
	return reply, resp.StatusCode, nil
}
