// cmd/loadgen/main.go submits a batch of add jobs and reports the outcome.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"async-dispatch/internal/loadgen"
	"async-dispatch/internal/logging"

	"github.com/spf13/pflag"
)

func main() {
	url := pflag.String("url", "http://127.0.0.1:5000/asynsum", "submission endpoint")
	callback := pflag.String("callback", "http://127.0.0.1:5002/callback", "callback address sent with every job")
	count := pflag.IntP("count", "n", 10, "number of jobs to submit")
	concurrency := pflag.IntP("concurrency", "p", 5, "maximum requests in flight")
	startID := pflag.Int("start-id", 10000000, "task id of the first job")
	timeout := pflag.Duration("timeout", 10*time.Second, "per-request timeout")
	logLevel := pflag.String("log-level", "info", "debug, info, warn or error")
	pflag.Parse()

	logger, closer, err := logging.New(logging.Options{Level: *logLevel, Format: "text"})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	summary, err := loadgen.Run(ctx, &http.Client{Timeout: *timeout}, loadgen.Options{
		URL:         *url,
		CallbackURL: *callback,
		Count:       *count,
		Concurrency: *concurrency,
		StartID:     *startID,
	}, logger)
	if err != nil {
		logger.Error("load generation aborted", "error", err)
	}
	logger.Info("done",
		"accepted", summary.Accepted,
		"rejected", summary.Rejected,
		"failed", summary.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	if summary.Failed > 0 || summary.Rejected > 0 {
		os.Exit(1)
	}
}
