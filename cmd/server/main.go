package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipeline-orchestrator/api/rest/routes"
	"pipeline-orchestrator/config"
	"pipeline-orchestrator/core/cache"
	"pipeline-orchestrator/core/coordinator"
	"pipeline-orchestrator/core/executor"
	"pipeline-orchestrator/core/models"
	"pipeline-orchestrator/core/monitoring"
	"pipeline-orchestrator/core/queue"
	"pipeline-orchestrator/core/repository"
	"pipeline-orchestrator/core/resource_manager"
	"pipeline-orchestrator/core/templates"
	"pipeline-orchestrator/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	// Database (runs embedded migrations on startup)
	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("database connected")

	// Redis: short-TTL cache plus the fast-KV storage tier
	redisCache := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := redisCache.Ping(ctx); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisCache.Close()

	// S3 object-store tier
	objectStore, err := storage.NewS3Store(ctx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Endpoint)
	if err != nil {
		logger.Fatal("failed to initialize object store", zap.Error(err))
	}

	// Repositories
	execRepo := repository.NewExecutionRepository(db)
	stageRepo := repository.NewStageRepository(db)
	allocationRepo := repository.NewAllocationRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	metricsRepo := repository.NewWorkerMetricsRepository(db)
	handshakeRepo := repository.NewHandshakeLogRepository(db)
	deliverableRepo := repository.NewDeliverableRepository(db)

	// Resource pools from config
	pools := make([]models.ResourcePool, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		pools = append(pools, models.ResourcePool{
			Type:        models.ResourceType(p.Type),
			Name:        p.Name,
			Limit:       p.Limit,
			Unit:        p.Unit,
			ResetPeriod: models.ResetPeriod(p.ResetPeriod),
			CostPerUnit: p.CostPerUnit,
		})
	}

	resourceMgr := resource_manager.NewManager(pools, allocationRepo, usageRepo, redisCache, cfg.Queue.AllocationTTL, logger)
	coord := coordinator.NewCoordinator(cfg.Workers, stageRepo, handshakeRepo, metricsRepo, cfg.WorkerAuthToken, cfg.ServiceIdentity, logger)
	storageMgr := storage.NewManager(redisCache, objectStore, deliverableRepo, logger)
	catalog := templates.NewHTTPCatalog(cfg.CatalogURL)

	pipelineExecutor := executor.NewExecutor(resourceMgr, coord, storageMgr, catalog, execRepo, stageRepo, redisCache, logger)

	queueMgr := queue.NewManager(queueRepo, execRepo, pipelineExecutor, cfg.Queue.MaxConcurrent, logger)
	go queueMgr.Start(ctx, cfg.Queue.AdvanceInterval)
	defer queueMgr.Stop()

	// Metrics
	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)
	queueMgr.SetObserver(metrics)

	collector := monitoring.NewCollector(metrics, queueMgr, coord, resourceMgr, logger)
	go collector.Start(ctx)
	defer collector.Stop()

	// Background maintenance
	maintenance := cron.New()
	maintenance.AddFunc("@every 1m", func() {
		if n, err := resourceMgr.ReapExpired(ctx); err != nil {
			logger.Warn("allocation reaper failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("expired stale allocations", zap.Int("count", n))
		}
	})
	maintenance.AddFunc("@every 1h", func() {
		if n, err := storageMgr.CleanupExpiredData(ctx, 500); err != nil {
			logger.Warn("storage cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("cleaned expired payloads", zap.Int("count", n))
		}
	})
	maintenance.AddFunc("@every 30s", func() {
		coord.SweepHealth(ctx)
	})
	maintenance.Start()
	defer maintenance.Stop()

	// HTTP surface
	r := mux.NewRouter()
	routes.SetupRoutes(r, db, queueMgr, resourceMgr, coord, catalog, redisCache, registry)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}
