// Package main provides the entry point for the shardkv coordinator.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/shardkv/internal/client"
	"github.com/devrev/shardkv/internal/config"
	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/devrev/shardkv/internal/handler"
	"github.com/devrev/shardkv/internal/health"
	"github.com/devrev/shardkv/internal/membership"
	"github.com/devrev/shardkv/internal/metrics"
	"github.com/devrev/shardkv/internal/model"
	"github.com/devrev/shardkv/internal/server"
	"github.com/devrev/shardkv/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("failed to load configuration", zap.Error(err))
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	for _, w := range cfg.Warnings {
		logger.Warn("configuration adjusted", zap.String("warning", w))
	}

	logger.Info("starting shardkv coordinator",
		zap.Int("port", cfg.Server.Port),
		zap.String("mode", cfg.Cluster.Mode),
		zap.Strings("nodes", cfg.Cluster.Nodes),
		zap.Float64("replication_factor", cfg.Cluster.ReplicationFactor),
		zap.Int("virtual_nodes", cfg.Cluster.VirtualNodes),
		zap.Int("quorum_size", cfg.Cluster.QuorumSize),
		zap.Duration("request_timeout", cfg.Cluster.RequestTimeout))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	routing := service.NewRoutingService(
		model.Mode(cfg.Cluster.Mode),
		cfg.Cluster.Nodes,
		cfg.Cluster.RingConfig(),
		cfg.Cluster.QuorumSize,
		m,
		logger,
	)
	nodeClient := client.NewNodeClient(cfg.Cluster.RequestTimeout)
	fanout := service.NewFanOut(m, logger)

	coordinator := service.NewCoordinatorService(routing, nodeClient, fanout, m, logger)
	sharding := service.NewShardingService(routing, nodeClient, fanout, logger)
	rebalance := service.NewRebalanceService(routing, nodeClient, fanout, m, logger)

	errorHandler := apierrors.NewHandler(logger)
	handlers := handler.NewHandlers(coordinator, sharding, rebalance, errorHandler, logger)

	healthChecker := health.NewHealthChecker(logger)
	healthChecker.Register("ring", func(ctx context.Context) error {
		if len(routing.Snapshot().Nodes) == 0 {
			return errors.New("no node stores configured")
		}
		return nil
	})

	var gossip *membership.Service
	if cfg.Gossip.Enabled {
		gossip, err = membership.New(
			cfg.Gossip,
			membership.Meta{Role: membership.RoleCoordinator},
			membership.NewRingDelegate(routing, cfg.Gossip.AutoRemove, logger),
			logger,
		)
		if err != nil {
			logger.Error("failed to start gossip membership", zap.Error(err))
		} else {
			for _, node := range gossip.StorageNodes() {
				if _, err := routing.AddNode(node); err != nil {
					logger.Warn("failed to add discovered node store", zap.String("node", node), zap.Error(err))
				}
			}
		}
	}

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, reg, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := server.NewServer(server.Options{
		Server:      cfg.Server,
		RateLimiter: cfg.RateLimiter,
		HTTPMetrics: metrics.NewHTTPMetrics(reg, "shardkv_coordinator"),
		Health:      healthChecker,

		LongRunningPaths: []string{"/rebalance"},
	}, handlers, errorHandler, logger)
	httpServer.SetupRoutes()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	logger.Info("HTTP server started", zap.Int("port", cfg.Server.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	}

	logger.Info("initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if gossip != nil {
		if err := gossip.Leave(5 * time.Second); err != nil {
			logger.Error("failed to leave gossip cluster", zap.Error(err))
		}
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}

	logger.Info("coordinator shutdown complete")
}

// initLogger builds the zap logger. LOG_LEVEL and LOG_FORMAT override the
// logging section of the config file.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	logLevel := cfg.Level
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		logLevel = v
	}
	logFormat := cfg.Format
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		logFormat = v
	}

	var level zapcore.Level
	switch logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if logFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}
