package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/jitension/portfolio-tracker/pkg/logger"
	"github.com/jitension/portfolio-tracker/pkg/version"
)

// HealthHandlers serves the liveness, readiness and health endpoints
type HealthHandlers struct {
	db     *sqlx.DB
	redis  *redis.Client
	logger *logger.Logger
}

// NewHealthHandlers creates new health handlers
func NewHealthHandlers(db *sqlx.DB, redisClient *redis.Client, logger *logger.Logger) *HealthHandlers {
	return &HealthHandlers{
		db:     db,
		redis:  redisClient,
		logger: logger,
	}
}

// HealthCheck is one dependency's probe result
type HealthCheck struct {
	Service   string        `json:"service"`
	Status    string        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthResponse is the overall health report
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    time.Duration          `json:"uptime"`
	Checks    map[string]HealthCheck `json:"checks"`
}

var startTime = time.Now()

// Health probes every dependency
// @Summary Get application health status
// @Description Probes the database and the cache and reports per-dependency status
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	checks := map[string]HealthCheck{
		"database": h.checkDatabase(ctx),
		"cache":    h.checkCache(ctx),
	}

	overallStatus := "healthy"
	for _, check := range checks {
		if check.Status != "healthy" {
			overallStatus = "unhealthy"
		}
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Version:   version.Get().Version,
		Uptime:    time.Since(startTime),
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

// Ready reports whether the service can take traffic. Only the database
// is load-bearing here; cached views degrade to misses when the cache is
// down.
// @Summary Get application readiness status
// @Description Checks the dependencies required to serve requests
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /ready [get]
func (h *HealthHandlers) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbCheck := h.checkDatabase(ctx)

	ready := dbCheck.Status == "healthy"
	status := "ready"
	if !ready {
		status = "not_ready"
	}

	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"checks": map[string]interface{}{
			"database": dbCheck,
		},
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

// Live answers as long as the process is serving
// @Summary Get application liveness status
// @Description Simple liveness check for container orchestration
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /live [get]
func (h *HealthHandlers) Live(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now(),
		"uptime":    time.Since(startTime),
	})
}

// Version reports build information
// @Summary Get build version
// @Tags health
// @Produce json
// @Success 200 {object} version.Info
// @Router /version [get]
func (h *HealthHandlers) Version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

func (h *HealthHandlers) checkDatabase(ctx context.Context) HealthCheck {
	start := time.Now()
	check := HealthCheck{
		Service:   "database",
		Timestamp: start,
	}

	err := h.db.PingContext(ctx)
	check.Latency = time.Since(start)

	if err != nil {
		check.Status = "unhealthy"
		check.Error = err.Error()
	} else {
		check.Status = "healthy"
	}

	return check
}

func (h *HealthHandlers) checkCache(ctx context.Context) HealthCheck {
	start := time.Now()
	check := HealthCheck{
		Service:   "cache",
		Timestamp: start,
	}

	err := h.redis.Ping(ctx).Err()
	check.Latency = time.Since(start)

	if err != nil {
		check.Status = "unhealthy"
		check.Error = err.Error()
	} else {
		check.Status = "healthy"
	}

	return check
}
