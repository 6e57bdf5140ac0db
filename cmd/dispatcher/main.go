// cmd/dispatcher/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "async-dispatch/internal/api/http"
	"async-dispatch/internal/app"
	"async-dispatch/internal/config"
	"async-dispatch/internal/domain"
	"async-dispatch/internal/infra/etcd"
	"async-dispatch/internal/infra/memory"
	"async-dispatch/internal/logging"
	"async-dispatch/internal/master"
	"async-dispatch/internal/scheduler"
	"async-dispatch/internal/tracing"
	"async-dispatch/internal/usecase"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding")

		// Handle pre-flight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the config file")
	pflag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger and tracer
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

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	tracerShutdown, err := tracing.InitTracer(rootCtx, "async-dispatch-dispatcher", tracing.Options{
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

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	logger = logger.With("node_id", nodeID)
	logger.Info("starting dispatcher node", "queue_backend", cfg.Queue.Backend, "embedded_workers", cfg.Worker.Embedded)

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

	// 4. Instantiate components
	dispatchService := usecase.NewDispatchService(infra.Queue, infra.Repo, infra.Dedup, registry, logger)

	g, ctx := errgroup.WithContext(rootCtx)

	var (
		workers       http_api.WorkerLister
		leaderManager domain.LeaderElectionManager
	)
	if infra.Etcd != nil {
		discovery := master.NewWorkerDiscovery(infra.Etcd, logger)
		g.Go(func() error {
			discovery.WatchWorkers(ctx)
			return nil
		})
		workers = discovery
		leaderManager = etcd.NewEtcdLeaderElectionManager(infra.Etcd, nodeID, cfg.Etcd.SessionTTL, logger)
	} else {
		leaderManager = memory.NewSingleNodeLeader()
	}

	cronScheduler := scheduler.NewCronScheduler(logger)
	sweeper := usecase.NewSweeper(infra.Queue, infra.Repo, cfg.Sweeper.AbandonAfter, logger)
	if err := cronScheduler.AddTask(cfg.Sweeper.Schedule, sweeper); err != nil {
		logger.Error("failed to schedule sweeper", "error", err)
		os.Exit(1)
	}
	sweeperService := usecase.NewSweeperService(leaderManager, cronScheduler, nodeID, logger)
	g.Go(func() error {
		if err := sweeperService.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// 5. Start the embedded execution pipeline
	if cfg.Worker.Embedded {
		deadLetters, closeDeadLetters, err := app.NewDeadLetterHandler(rootCtx, cfg.DeadLetter, logger)
		if err != nil {
			logger.Error("failed to initialize dead letter sink", "error", err)
			os.Exit(1)
		}
		defer closeDeadLetters()

		pipeline := app.NewPipeline(cfg, infra.Queue, registry, infra.Locker, infra.Repo, deadLetters, nodeID, logger)
		g.Go(func() error {
			_ = pipeline.Run(ctx)
			return nil
		})
	} else if cfg.Queue.Backend == "memory" {
		logger.Warn("embedded workers disabled with an in-memory queue; submitted jobs will not run")
	}

	// 6. Start HTTP API server
	router := http_api.NewRouter()
	limiter := http_api.NewLimiter(cfg.Submit.RateLimit, cfg.Submit.Burst)
	http_api.NewJobHandler(dispatchService, workers, limiter, logger).RegisterRoutes(router)

	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           corsMiddleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	// 7. Block until shutdown
	if err := g.Wait(); err != nil {
		logger.Error("dispatcher stopped with error", "error", err)
	}
	logger.Info("dispatcher shut down")
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
