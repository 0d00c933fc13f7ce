package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"

	"github.com/jitension/portfolio-tracker/internal/api/routes"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/cache"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/config"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/database"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/di"
	"github.com/jitension/portfolio-tracker/internal/workers/syncjobs"
	"github.com/jitension/portfolio-tracker/pkg/jobqueue"
	"github.com/jitension/portfolio-tracker/pkg/logger"
	"github.com/jitension/portfolio-tracker/pkg/tracing"
	"github.com/jitension/portfolio-tracker/pkg/version"
)

// @title Portfolio Tracker API
// @version 1.0
// @description Brokerage account linking, sync, and portfolio analytics service
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.email support@portfoliotracker.local

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log := logger.New(cfg.LogLevel, cfg.Environment)
	log.Info("Starting portfolio tracker",
		"version", version.Get().String(),
		"environment", cfg.Environment)

	shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{
		ServiceName: "portfolio-tracker",
		Environment: cfg.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := database.RunMigrations(cfg.Database); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	container, err := di.NewContainer(cfg, db, redisClient, log)
	if err != nil {
		log.Fatal("Failed to build dependency container", "error", err)
	}

	router := routes.SetupRoutes(container)

	var scheduler *jobqueue.JobScheduler
	if cfg.Jobs.Enabled {
		scheduler = jobqueue.NewJobScheduler(log.Zap())
		runner := syncjobs.NewRunner(
			container.AccountRepo,
			container.SyncService,
			container.PortfolioRepo,
			container.SnapshotRepo,
			container.AlertMailer,
			container.Clock,
			syncjobs.Config{
				Concurrency:    cfg.Sync.BulkConcurrency,
				RetryAttempts:  cfg.Sync.RetryAttempts,
				RetryBaseDelay: cfg.Sync.RetryBaseDelay(),
				RetentionDays:  cfg.Jobs.RetentionDays,
			},
			log,
		)
		if err := runner.Register(scheduler, cfg.Jobs); err != nil {
			log.Fatal("Failed to register scheduled jobs", "error", err)
		}
		scheduler.Start()
	} else {
		log.Info("Scheduled jobs disabled")
	}

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		log.Info("Starting server", "addr", server.Addr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	if scheduler != nil {
		scheduler.Stop()
	}

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", "error", err)
	}

	if err := shutdownTracing(ctx); err != nil {
		log.Warn("Failed to flush traces", "error", err)
	}

	log.Info("Server exited")
}
