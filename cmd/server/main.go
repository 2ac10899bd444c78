package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flowgrpc "conversation-orchestrator/backend/internal/grpc"
	"conversation-orchestrator/backend/pkg/config"
	"conversation-orchestrator/backend/pkg/di"
	"conversation-orchestrator/backend/pkg/logger"
	"conversation-orchestrator/backend/pkg/router"
	"conversation-orchestrator/backend/pkg/secrets"
	"conversation-orchestrator/backend/shared/observability"
)

func main() {
	// Loads .env when present
	cfg := config.New()

	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"

	log := logger.New(logConfig)
	logger.SetGlobal(log)

	log.Info("Starting orchestrator", "version", os.Getenv("APP_VERSION"), "env", cfg.Server.Env, "bus", cfg.Bus.Driver)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretManager, err := secrets.NewVaultManager(secrets.VaultConfigFrom(cfg), log)
	if err != nil {
		log.LogError(err, "Failed to initialize secrets manager")
		os.Exit(1)
	}
	secrets.Apply(rootCtx, secretManager, cfg)
	secretManager.Close()

	if cfg.Observability.TracingEnabled {
		shutdownTracing, err := observability.SetupTracing(cfg.Observability.ServiceName)
		if err != nil {
			log.LogError(err, "Failed to initialize tracing")
			os.Exit(1)
		}
		defer shutdownTracing(context.Background())
	}

	meterProvider, err := observability.SetupPrometheusMetrics(cfg.Observability.ServiceName)
	if err != nil {
		log.LogError(err, "Failed to initialize metrics")
		os.Exit(1)
	}
	defer meterProvider.Shutdown(context.Background())

	db, err := config.NewDB(cfg)
	if err != nil {
		log.LogError(err, "Failed to initialize database")
		os.Exit(1)
	}

	container, err := di.New(db, cfg, log)
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}

	if err := container.Start(rootCtx); err != nil {
		log.LogError(err, "Failed to start workers")
		os.Exit(1)
	}

	r := router.New(container)
	if err := r.SetupRoutes(); err != nil {
		log.LogError(err, "Failed to set up routes")
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogError(err, "HTTP server failed")
			stop()
		}
	}()

	var grpcServer *flowgrpc.Server
	if cfg.Features.EnableGRPCHealth {
		grpcServer = flowgrpc.NewServer(container.Health, log)
		go func() {
			if err := grpcServer.ListenAndServe(cfg.Server.GRPCPort); err != nil {
				log.LogError(err, "gRPC server failed")
				stop()
			}
		}()
	}

	<-rootCtx.Done()
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.LogError(err, "HTTP server forced to shutdown")
	}
	if grpcServer != nil {
		grpcServer.Stop(ctx)
	}
	r.Close()

	if err := container.Stop(ctx); err != nil {
		log.LogError(err, "Workers did not stop cleanly")
	}

	log.Info("Server exited gracefully")
}
