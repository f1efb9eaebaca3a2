package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirychukyurii/aks-pool-scaler/internal/api"
	"github.com/kirychukyurii/aks-pool-scaler/internal/config"
	"github.com/kirychukyurii/aks-pool-scaler/internal/lifecycle"
	"github.com/kirychukyurii/aks-pool-scaler/internal/logger"
	"github.com/kirychukyurii/aks-pool-scaler/internal/metrics"
	"github.com/kirychukyurii/aks-pool-scaler/internal/policy"
	"github.com/kirychukyurii/aks-pool-scaler/internal/repository"
	"github.com/kirychukyurii/aks-pool-scaler/internal/scaler"
	"github.com/kirychukyurii/aks-pool-scaler/internal/service"
	"github.com/kirychukyurii/aks-pool-scaler/internal/util"
	"github.com/kirychukyurii/aks-pool-scaler/pkg/httpserver"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Initialize logger
	log := logger.New()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	log = logger.NewWithLevel(logger.ParseLevel(cfg.Log.Level))

	log.Info("configuration loaded",
		"cluster", cfg.Azure.Cluster,
		"agent_pool", cfg.Azure.AgentPool,
	)

	// Bounds and thresholds are validated here so a bad configuration
	// fails at startup rather than mid-loop
	pol, err := policy.New(cfg.Bounds(), cfg.Thresholds())
	if err != nil {
		log.Error("invalid scaling policy",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	// Create ARM agent pool repository
	poolRepo, err := repository.NewAgentPoolRepository(cfg.Azure, cfg.Pool.CreateResolveTimeout, log)
	if err != nil {
		log.Error("failed to create agent pool repository",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	// Create Kubernetes cluster repository
	clusterRepo, err := repository.NewClusterRepository(cfg.Kubernetes, log)
	if err != nil {
		log.Error("failed to create cluster repository",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	// Create etcd lease repository when coordination is enabled
	var leaseRepo repository.LeaseRepository
	if cfg.Lease.Enabled {
		leaseRepo, err = repository.NewLeaseRepository(cfg.Lease, log)
		if err != nil {
			log.Error("failed to create lease repository",
				"error", err.Error(),
			)
			os.Exit(1)
		}
		defer leaseRepo.Close()

		log.Info("etcd client initialized",
			"endpoints", cfg.Lease.Endpoints,
		)
	}

	// Create load metrics source
	source, err := buildMetricsSource(cfg, clusterRepo, log)
	if err != nil {
		log.Error("failed to create metrics source",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	// Create lifecycle controller and control loop
	ctrl := lifecycle.NewController(poolRepo, clusterRepo, cfg.Pool, log)
	loop := scaler.NewScaler(cfg, poolRepo, clusterRepo, source, pol, ctrl, leaseRepo, log)

	// Create service and HTTP handler
	svc := service.NewPoolService(cfg, poolRepo, ctrl, loop, log)
	handler := api.NewHandler(svc, cfg.Server.BasePath, log)

	tlsConfig, err := util.LoadTLSConfig(cfg.Server.TLS)
	if err != nil {
		log.Error("failed to load server TLS config",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop.Start(ctx)

	// Setup signal handling for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Create HTTP server
	srv := httpserver.New(
		cfg.Server.Addr,
		handler.Router(),
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
		tlsConfig,
		log,
	)

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			serverErrors <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		log.Error("server error",
			"error", err.Error(),
		)
	case sig := <-quit:
		log.Info("received shutdown signal",
			"signal", sig.String(),
		)
	}

	// Stop the control loop first so no new scaling work begins, then
	// stop serving the API
	log.Info("shutting down pool scaler")
	cancel()
	loop.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down http server",
			"error", err.Error(),
		)
	}

	log.Info("shutdown complete")
}

// buildMetricsSource selects the configured load source and wraps it in a
// short-lived cache when one is configured
func buildMetricsSource(cfg *config.Config, cluster repository.ClusterRepository, log *slog.Logger) (metrics.Source, error) {
	var (
		source metrics.Source
		err    error
	)

	switch cfg.Metrics.Source {
	case config.MetricsSourcePrometheus:
		source, err = metrics.NewPrometheusSource(cfg.Metrics.Prometheus, log)
	default:
		source = metrics.NewPendingPodsSource(cluster, cfg.Metrics, log)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.CacheTTL > 0 {
		source = metrics.NewCachedSource(source, cfg.Metrics.CacheTTL)
	}

	return source, nil
}
