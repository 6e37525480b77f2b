package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/audit"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/config"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/forwarder"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/resilience"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/server"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/syncer"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/webhook"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Daisi WA Gateway",
		zap.String("environment", cfg.Environment),
		zap.Bool("nats_forwarding", cfg.NATS.Enabled),
	)

	// Initialize repository
	repo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}

	// Shared infrastructure: provider registry, cache, async audit recorder
	registry := provider.NewRegistry(http.DefaultClient, nil)
	cacheStore := cache.NewStore(cfg.Cache)
	recorder, err := audit.NewRecorder(cfg.Audit, repo, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize audit recorder", zap.Error(err))
	}

	// The executor audits every provider call attempt through the recorder
	executor := resilience.NewExecutor(cfg, recorder)

	// Event forwarder: JetStream when enabled, otherwise a no-op
	fwd, err := initForwarder(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize event forwarder", zap.Error(err))
	}

	// Core components
	pipeline := webhook.NewPipeline(cfg.Webhook, repo, registry, cacheStore, fwd, recorder)
	engine := syncer.NewEngine(cfg.Sync, repo, registry, executor, cacheStore, recorder)
	gateway := usecase.NewGatewayService(repo, registry, executor, cacheStore)

	// HTTP surface
	handlers := server.NewHandlers(gateway, engine, executor, recorder, repo)
	httpServer := server.NewServer(strconv.Itoa(cfg.Server.Port), handlers, webhook.NewHandler(pipeline), logger.Log)

	if metricsEnabled {
		httpServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}

	httpServer.Start()

	logger.Log.Info("Gateway endpoints available",
		zap.String("webhook", fmt.Sprintf("http://localhost:%d/integration/webhook/{provider}", cfg.Server.Port)),
		zap.String("api", fmt.Sprintf("http://localhost:%d/api/v1", cfg.Server.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
	)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", 30*time.Second))

	var wg sync.WaitGroup
	wg.Add(3)

	// Shutdown HTTP server first so no new work arrives
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping HTTP server")
		start := time.Now()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping HTTP server", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] HTTP server stopped",
				zap.Duration("duration", time.Since(start)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping HTTP server",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Drain the audit recorder
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping audit recorder")
		start := time.Now()
		recorder.Stop()
		logger.Log.Info("[shutdown] Audit recorder stopped",
			zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping audit recorder",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Close forwarder and database connections
	utils.SafeGo(func() {
		defer wg.Done()

		logger.Log.Info("[shutdown] Closing event forwarder")
		fwdStart := time.Now()
		fwd.Close()
		logger.Log.Info("[shutdown] Event forwarder closed",
			zap.Duration("duration", time.Since(fwdStart)))

		logger.Log.Info("[shutdown] Closing PostgreSQL connection")
		pgStart := time.Now()
		if err := repo.Close(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] PostgreSQL connection closed",
				zap.Duration("duration", time.Since(pgStart)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while closing connections",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Wait with a timeout for all components to shut down
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("Daisi WA Gateway shutdown complete")
}

// Initialize PostgreSQL repository
func initPostgresRepo(dsn string, autoMigrate bool) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}

// initForwarder picks the event forwarder implementation from config.
func initForwarder(cfg *config.Config) (forwarder.Forwarder, error) {
	if !cfg.NATS.Enabled {
		return forwarder.Noop{}, nil
	}
	fwd, err := forwarder.NewJetStreamForwarder(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream forwarder: %w", err)
	}
	return fwd, nil
}
