package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jitension/portfolio-tracker/internal/domain/services/portfolio"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
	"github.com/jitension/portfolio-tracker/pkg/logger"
)

// PortfolioHandlers serves the read-side portfolio endpoints
type PortfolioHandlers struct {
	portfolioService *portfolio.Service
	logger           *logger.Logger
}

// NewPortfolioHandlers creates new portfolio handlers
func NewPortfolioHandlers(portfolioService *portfolio.Service, logger *logger.Logger) *PortfolioHandlers {
	return &PortfolioHandlers{
		portfolioService: portfolioService,
		logger:           logger,
	}
}

// GetSummary returns the account's portfolio summary
// @Summary Portfolio summary
// @Description Aggregate totals, P/L figures and market status for one account, served read-through from cache
// @Tags portfolio
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} entities.SuccessResponse
// @Failure 404 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts/{id}/summary [get]
func (h *PortfolioHandlers) GetSummary(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondUnauthorized(c, h.logger, "authentication required")
		return
	}

	accountID, err := accountIDParam(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	summary, err := h.portfolioService.GetSummary(c.Request.Context(), userID, accountID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusOK, summary)
}

// GetHoldings lists the account's active holdings
// @Summary List holdings
// @Tags portfolio
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} entities.SuccessResponse
// @Failure 404 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts/{id}/holdings [get]
func (h *PortfolioHandlers) GetHoldings(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondUnauthorized(c, h.logger, "authentication required")
		return
	}

	accountID, err := accountIDParam(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	holdings, err := h.portfolioService.GetHoldings(c.Request.Context(), userID, accountID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusOK, holdings)
}

// GetPerformance returns the snapshot series for a trailing window
// @Summary Historical performance
// @Description Snapshot series for the trailing window, oldest first. days defaults to 30 and is capped at 365.
// @Tags portfolio
// @Produce json
// @Param id path string true "Account ID"
// @Param days query int false "Trailing window in days" default(30)
// @Success 200 {object} entities.SuccessResponse
// @Failure 400 {object} entities.ErrorEnvelope
// @Failure 404 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts/{id}/performance [get]
func (h *PortfolioHandlers) GetPerformance(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondUnauthorized(c, h.logger, "authentication required")
		return
	}

	accountID, err := accountIDParam(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	days := 0
	if raw := c.Query("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil {
			respondError(c, h.logger, apperrors.ValidationError("days must be an integer"))
			return
		}
	}

	series, err := h.portfolioService.GetHistoricalPerformance(c.Request.Context(), userID, accountID, days)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusOK, series)
}

// GetAllocation returns the asset-class split
// @Summary Asset allocation
// @Description Per-asset-class value and share of invested value, largest first
// @Tags portfolio
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} entities.SuccessResponse
// @Failure 404 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts/{id}/allocation [get]
func (h *PortfolioHandlers) GetAllocation(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondUnauthorized(c, h.logger, "authentication required")
		return
	}

	accountID, err := accountIDParam(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	allocation, err := h.portfolioService.GetAllocation(c.Request.Context(), userID, accountID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusOK, allocation)
}

// CreateSnapshot records a manual snapshot of the current aggregate
// @Summary Create snapshot
// @Description Record a point-in-time snapshot of the account's portfolio aggregate
// @Tags portfolio
// @Produce json
// @Param id path string true "Account ID"
// @Success 201 {object} entities.SuccessResponse
// @Failure 404 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts/{id}/snapshots [post]
func (h *PortfolioHandlers) CreateSnapshot(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondUnauthorized(c, h.logger, "authentication required")
		return
	}

	accountID, err := accountIDParam(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	snapshot, err := h.portfolioService.CreateSnapshot(c.Request.Context(), userID, accountID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusCreated, snapshot)
}
