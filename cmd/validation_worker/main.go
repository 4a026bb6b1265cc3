package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/facturaops/sunat-validator/internal/platform/config"
	"github.com/facturaops/sunat-validator/internal/platform/database"
	"github.com/facturaops/sunat-validator/internal/platform/logger"
	"github.com/facturaops/sunat-validator/internal/validation/adapters/sunat"
	"github.com/facturaops/sunat-validator/internal/validation/app"
	"github.com/facturaops/sunat-validator/internal/validation/repository/postgres"
)

const serviceName = "validation-worker"

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(serviceName, cfg.LogLevel)
	log.Info("Starting service...")

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		log.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	log.Info("Database connection pool initialized")

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}
	tokens := sunat.NewTokenProvider(log, cfg.SunatClientID, cfg.SunatClientSecret, nil, httpClient)
	client := sunat.NewClient(log, sunat.ValidationURL(cfg.SunatRUC), cfg.RetryMax, httpClient)

	queueRepo := postgres.NewPgQueueRepository(log)
	historyRepo := postgres.NewPgHistoryRepository(log)
	snapshotRepo := postgres.NewPgSnapshotRepository(log)
	finalRepo := postgres.NewPgFinalRepository(log)

	processor := app.NewBatchProcessor(
		dbPool, queueRepo, historyRepo, snapshotRepo, finalRepo, tokens, client, log,
		app.ProcessorConfig{
			BatchSize:   cfg.WorkerBatch,
			WorkerCount: cfg.WorkerThreads,
		},
	)
	runner := app.NewRunner(processor, log, cfg.PollInterval())

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbPool.Ping(r.Context()); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: router,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		return runner.Run(groupCtx)
	})

	g.Go(func() error {
		log.Info("Starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	log.Info("Service components initialized. Service is ready.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received termination signal", "signal", sig.String())
		mainCancel()
	case <-groupCtx.Done():
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("Service shutdown complete.")
}
