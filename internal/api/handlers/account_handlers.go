package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jitension/portfolio-tracker/internal/domain/services/accounts"
	syncsvc "github.com/jitension/portfolio-tracker/internal/domain/services/sync"
	"github.com/jitension/portfolio-tracker/pkg/logger"
	"github.com/jitension/portfolio-tracker/pkg/sanitize"
)

// AccountHandlers serves the linked-account endpoints
type AccountHandlers struct {
	accountService *accounts.Service
	syncService    *syncsvc.Service
	logger         *logger.Logger
}

// NewAccountHandlers creates new account handlers
func NewAccountHandlers(accountService *accounts.Service, syncService *syncsvc.Service, logger *logger.Logger) *AccountHandlers {
	return &AccountHandlers{
		accountService: accountService,
		syncService:    syncService,
		logger:         logger,
	}
}

// LinkAccountRequest is the payload for linking a brokerage account.
// MFACode is only needed when the brokerage challenges the login;
// TOTPSecret opts the account into server-side app-MFA codes.
type LinkAccountRequest struct {
	Username   string `json:"username" binding:"required" validate:"required,max=128"`
	Password   string `json:"password" binding:"required" validate:"required,max=128"`
	MFACode    string `json:"mfa_code" validate:"omitempty,max=16"`
	TOTPSecret string `json:"totp_secret" validate:"omitempty,max=64"`
}

// LinkAccount links a brokerage account
// @Summary Link brokerage account
// @Description Authenticate against the brokerage and store the encrypted link. A 422 with code MFA_REQUIRED means the login was challenged; resubmit with mfa_code.
// @Tags accounts
// @Accept json
// @Produce json
// @Param request body LinkAccountRequest true "Brokerage credentials"
// @Success 201 {object} entities.SuccessResponse
// @Failure 400 {object} entities.ErrorEnvelope
// @Failure 401 {object} entities.ErrorEnvelope
// @Failure 409 {object} entities.ErrorEnvelope
// @Failure 422 {object} entities.ErrorEnvelope
// @Failure 502 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts [post]
func (h *AccountHandlers) LinkAccount(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondUnauthorized(c, h.logger, "authentication required")
		return
	}

	var req LinkAccountRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, h.logger, err)
		return
	}

	account, err := h.accountService.Link(c.Request.Context(), userID, accounts.LinkParams{
		Username:   strings.TrimSpace(req.Username),
		Password:   req.Password,
		MFACode:    sanitize.Digits(req.MFACode),
		TOTPSecret: strings.TrimSpace(req.TOTPSecret),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusCreated, account)
}

// ListAccounts lists the caller's linked accounts
// @Summary List linked accounts
// @Tags accounts
// @Produce json
// @Success 200 {object} entities.SuccessResponse
// @Failure 401 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts [get]
func (h *AccountHandlers) ListAccounts(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondUnauthorized(c, h.logger, "authentication required")
		return
	}

	list, err := h.accountService.List(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusOK, list)
}

// GetAccount fetches one linked account
// @Summary Get linked account
// @Tags accounts
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} entities.SuccessResponse
// @Failure 404 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts/{id} [get]
func (h *AccountHandlers) GetAccount(c *gin.Context) {
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

	account, err := h.accountService.Get(c.Request.Context(), userID, accountID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusOK, account)
}

// UnlinkAccount unlinks an account and purges its data
// @Summary Unlink brokerage account
// @Description Deactivate the link, discard the broker session, and delete the account's holdings, portfolio and snapshots
// @Tags accounts
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} entities.SuccessResponse
// @Failure 404 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts/{id} [delete]
func (h *AccountHandlers) UnlinkAccount(c *gin.Context) {
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

	counts, err := h.accountService.Unlink(c.Request.Context(), userID, accountID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusOK, counts)
}

// SyncAccount triggers a sync for one account
// @Summary Sync account
// @Description Run the sync pipeline for the account. A concurrent sync for the same account is rejected with code SYNC_IN_PROGRESS.
// @Tags accounts
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} entities.SuccessResponse
// @Failure 404 {object} entities.ErrorEnvelope
// @Failure 409 {object} entities.ErrorEnvelope
// @Failure 422 {object} entities.ErrorEnvelope
// @Failure 502 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts/{id}/sync [post]
func (h *AccountHandlers) SyncAccount(c *gin.Context) {
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

	// Ownership gate; the sync service itself is caller-agnostic so the
	// scheduler can drive it too.
	if _, err := h.accountService.Get(c.Request.Context(), userID, accountID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	result, err := h.syncService.Sync(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusOK, result)
}

// TestConnection checks whether the stored link still authenticates
// @Summary Test account connection
// @Description Report whether the account can reach the brokerage and which auth method succeeded. A failed check is a 200 with connected=false.
// @Tags accounts
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} entities.SuccessResponse
// @Failure 404 {object} entities.ErrorEnvelope
// @Security BearerAuth
// @Router /api/v1/accounts/{id}/test [post]
func (h *AccountHandlers) TestConnection(c *gin.Context) {
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

	status, err := h.accountService.TestConnection(c.Request.Context(), userID, accountID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	respondSuccess(c, http.StatusOK, status)
}
