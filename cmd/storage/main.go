// Package main provides the entry point for a shardkv node store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/shardkv/internal/config"
	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/health"
	"github.com/devrev/shardkv/internal/membership"
	"github.com/devrev/shardkv/internal/metrics"
	"github.com/devrev/shardkv/internal/nodestore"
	"github.com/devrev/shardkv/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.LoadStorageConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("node_id", cfg.NodeID))

	logger.Info("Configuration loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("advertise_addr", cfg.AdvertiseAddr),
		zap.String("backend", cfg.Persistence.Backend),
		zap.Int("batch_size", cfg.Batch.Size),
		zap.Duration("batch_interval", cfg.Batch.Interval),
		zap.Int("cache_max_items", cfg.Cache.MaxItems))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	storageMetrics := metrics.NewStorageMetrics(reg)

	ctx := context.Background()

	backend, err := nodestore.OpenBackend(ctx, cfg.Persistence, logger)
	if err != nil {
		logger.Fatal("Failed to open persistence backend", zap.Error(err))
	}

	store, err := nodestore.NewStore(cfg, backend, storageMetrics, logger)
	if err != nil {
		logger.Fatal("Failed to create node store", zap.Error(err))
	}
	if err := store.Start(ctx); err != nil {
		logger.Fatal("Failed to start node store", zap.Error(err))
	}

	healthChecker := health.NewHealthChecker(logger)
	healthChecker.Register("backend", store.Ping)

	var gossip *membership.Service
	if cfg.Gossip.Enabled {
		gossip, err = membership.New(
			cfg.Gossip,
			membership.Meta{Role: membership.RoleStorage, Address: cfg.AdvertiseAddr},
			membership.NewLogDelegate(logger),
			logger,
		)
		if err != nil {
			logger.Error("Failed to start gossip membership", zap.Error(err))
		}
	}

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, reg, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	errorHandler := apierrors.NewHandler(logger)
	httpServer := server.NewServer(server.Options{
		Server:      cfg.Server,
		RateLimiter: cfg.RateLimiter,
		HTTPMetrics: metrics.NewHTTPMetrics(reg, "shardkv_storage"),
		Health:      healthChecker,
	}, nodestore.NewHandler(store, cfg.NodeID, errorHandler, logger), errorHandler, logger)
	httpServer.SetupRoutes()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	logger.Info("Node store serving", zap.Int("port", cfg.Server.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if gossip != nil {
		if err := gossip.Leave(5 * time.Second); err != nil {
			logger.Error("Failed to leave gossip cluster", zap.Error(err))
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}

	// Runs the final flush of pending operations.
	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close node store", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}

	logger.Info("Node store stopped")
}

// initLogger initializes the zap logger. LOG_LEVEL and LOG_FORMAT override
// the logging section of the config file.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := cfg.Level
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}
	format := cfg.Format
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		format = v
	}

	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
