package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs/insight-api/internal/auth"
	"github.com/meridianlabs/insight-api/internal/config"
	"github.com/meridianlabs/insight-api/internal/pipeline"
	"github.com/meridianlabs/insight-api/internal/report"
	"github.com/meridianlabs/insight-api/internal/server"
	"github.com/meridianlabs/insight-api/pkg/cache"
	"github.com/meridianlabs/insight-api/pkg/database"
	"github.com/meridianlabs/insight-api/pkg/events"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting Insight API")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Connect to the CRM store (PostgreSQL)
	crm, err := database.NewPostgres(cfg.CRM, logger)
	if err != nil {
		logger.Fatal("failed to connect to CRM database", zap.Error(err))
	}
	defer crm.Close()
	logger.Info("connected to CRM database")

	// Connect to the on-page analytics store (MariaDB)
	analytics, err := database.NewMariaDB(cfg.Analytics, logger)
	if err != nil {
		logger.Fatal("failed to connect to analytics database", zap.Error(err))
	}
	defer analytics.Close()
	logger.Info("connected to analytics database")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus and metric subscribers
	eventBus := events.NewBus(logger)
	for _, eventType := range []events.EventType{
		events.EventCardCreated,
		events.EventCardMoved,
		events.EventCardDeleted,
	} {
		eventType := eventType
		eventBus.Subscribe(eventType, func(_ context.Context, event events.Event) error {
			server.CountPipelineEvent(string(event.Type))
			return nil
		})
	}
	logger.Info("initialized event bus")

	// Initialize services
	authService := auth.NewService(crm, redisCache, logger)
	pipelineService := pipeline.NewService(crm, eventBus, logger)
	engine := report.NewEngine(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize API server
	srv := server.NewServer(
		cfg.Server,
		crm,
		analytics,
		engine,
		authService,
		pipelineService,
		eventBus,
		logger,
		map[string]server.HealthChecker{
			"crm":       crm,
			"analytics": analytics,
			"redis":     redisCache,
		},
	)
	srv.StartHealthMetrics(ctx)
	logger.Info("initialized API server")

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
