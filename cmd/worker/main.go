// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "async-dispatch/internal/api/http"
	"async-dispatch/internal/app"
	"async-dispatch/internal/config"
	"async-dispatch/internal/logging"
	"async-dispatch/internal/tracing"
	"async-dispatch/internal/worker"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the config file")
	pflag.Parse()

	// 1. Init config, logger, tracer
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Queue.Backend == "memory" {
		log.Fatalf("A standalone worker needs a shared queue; set queue.backend to redis or etcd")
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	// 2. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	tracerShutdown, err := tracing.InitTracer(rootCtx, "async-dispatch-worker", tracing.Options{
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	})
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	workerID := cfg.NodeID
	if workerID == "" {
		workerID = uuid.New().String()
	}
	logger = logger.With("worker_id", workerID)
	logger.Info("starting worker node", "grpc_addr", cfg.GrpcListenAddr, "workers", cfg.Worker.Count)

	// 3. Connect backends
	infra, err := app.NewInfra(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize backends", "error", err)
		os.Exit(1)
	}
	defer infra.Close()

	registry, err := app.NewJobRegistry(cfg)
	if err != nil {
		logger.Error("failed to register job handlers", "error", err)
		os.Exit(1)
	}
	deadLetters, closeDeadLetters, err := app.NewDeadLetterHandler(rootCtx, cfg.DeadLetter, logger)
	if err != nil {
		logger.Error("failed to initialize dead letter sink", "error", err)
		os.Exit(1)
	}
	defer closeDeadLetters()

	// 4. Register this worker in etcd
	if infra.Etcd != nil {
		reg := worker.NewRegistry(infra.Etcd, logger)
		regCtx, regCancel := context.WithTimeout(rootCtx, 5*time.Second)
		err := reg.Register(regCtx, worker.Registration{
			ID:        workerID,
			Addr:      advertiseAddr(cfg.GrpcListenAddr),
			Workers:   cfg.Worker.Count,
			StartedAt: time.Now().UTC(),
		}, int64(cfg.Etcd.SessionTTL.Seconds()))
		regCancel()
		if err != nil {
			logger.Error("failed to register worker", "error", err)
			os.Exit(1)
		}
		defer func() {
			deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer deregCancel()
			if err := reg.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister worker", "error", err)
			}
		}()
	}

	// 5. gRPC health server
	lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
	if err != nil {
		logger.Error("failed to listen for gRPC", "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// 6. HTTP server for health and metrics
	httpServer := &http.Server{
		Addr:              cfg.Worker.HttpListenAddr,
		Handler:           http_api.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pipeline := app.NewPipeline(cfg, infra.Queue, registry, infra.Locker, infra.Repo, deadLetters, workerID, logger)

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", cfg.GrpcListenAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", cfg.Worker.HttpListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		_ = pipeline.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down worker node gracefully")
		healthServer.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return nil
	})

	// 7. Block until shutdown
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", "error", err)
	}
	logger.Info("worker node shut down")
}

// advertiseAddr turns a listen address such as ":50052" into one other
// nodes can reach.
func advertiseAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || (host != "" && host != "0.0.0.0" && host != "::") {
		return listen
	}
	name, err := os.Hostname()
	if err != nil {
		return listen
	}
	return net.JoinHostPort(name, port)
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
