package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/jitension/portfolio-tracker/internal/api/handlers"
	"github.com/jitension/portfolio-tracker/internal/api/middleware"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/di"
	"github.com/jitension/portfolio-tracker/pkg/tracing"
)

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container) *gin.Engine {
	router := gin.New()

	// Global middleware - order matters
	router.Use(tracing.HTTPMiddleware()) // Tracing should be early in the chain
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.Logger(container.Logger))
	router.Use(middleware.Recovery(container.Logger))
	router.Use(middleware.CORS(container.Config.Server.AllowedOrigins))
	router.Use(middleware.RateLimit(container.Config.Server.RateLimitPerMin))
	router.Use(middleware.SecurityHeaders())

	healthHandlers := handlers.NewHealthHandlers(container.DB, container.Redis, container.Logger)
	accountHandlers := handlers.NewAccountHandlers(container.AccountService, container.SyncService, container.Logger)
	portfolioHandlers := handlers.NewPortfolioHandlers(container.PortfolioService, container.Logger)

	// Health and build info (no auth required)
	router.GET("/health", healthHandlers.Health)
	router.GET("/ready", healthHandlers.Ready)
	router.GET("/live", healthHandlers.Live)
	router.GET("/version", healthHandlers.Version)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger documentation (development only)
	if container.Config.Environment != "production" {
		router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// API v1 routes (auth required)
	v1 := router.Group("/api/v1")
	v1.Use(middleware.Authentication(container.Config.JWT))
	{
		accountRoutes := v1.Group("/accounts")
		{
			accountRoutes.POST("", accountHandlers.LinkAccount)
			accountRoutes.GET("", accountHandlers.ListAccounts)
			accountRoutes.GET("/:id", accountHandlers.GetAccount)
			accountRoutes.DELETE("/:id", accountHandlers.UnlinkAccount)
			accountRoutes.POST("/:id/sync", accountHandlers.SyncAccount)
			accountRoutes.POST("/:id/test", accountHandlers.TestConnection)

			accountRoutes.GET("/:id/summary", portfolioHandlers.GetSummary)
			accountRoutes.GET("/:id/holdings", portfolioHandlers.GetHoldings)
			accountRoutes.GET("/:id/performance", portfolioHandlers.GetPerformance)
			accountRoutes.GET("/:id/allocation", portfolioHandlers.GetAllocation)
			accountRoutes.POST("/:id/snapshots", portfolioHandlers.CreateSnapshot)
		}
	}

	return router
}
