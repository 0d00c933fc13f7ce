package handlers

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
	"github.com/jitension/portfolio-tracker/pkg/logger"
)

var validate = validator.New()

// getUserID extracts and validates the authenticated user ID from context
func getUserID(c *gin.Context) (uuid.UUID, error) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, fmt.Errorf("user ID not found in context")
	}

	switch v := userIDVal.(type) {
	case uuid.UUID:
		return v, nil
	case string:
		return uuid.Parse(v)
	default:
		return uuid.Nil, fmt.Errorf("invalid user ID type in context")
	}
}

// accountIDParam parses the :id path segment
func accountIDParam(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("account id must be a valid UUID")
	}
	return id, nil
}

// respondSuccess sends the standard success envelope
func respondSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, entities.SuccessResponse{
		Success: true,
		Data:    data,
	})
}

// respondError maps an error onto the error envelope. Application errors
// keep their code and HTTP status; anything else is reported as an
// internal error with the cause logged, not exposed.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		log.CtxError(c.Request.Context(), "Unhandled error",
			"path", c.FullPath(),
			"error", err)
		appErr = apperrors.Internal("internal server error")
	}

	c.JSON(appErr.StatusCode, entities.ErrorEnvelope{
		Success: false,
		Error: entities.ErrorResponse{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Details,
		},
	})
}

// respondUnauthorized sends an unauthorized error
func respondUnauthorized(c *gin.Context, log *logger.Logger, message string) {
	respondError(c, log, apperrors.Unauthorized(message))
}

// bindJSON binds the request body and checks the struct's validate tags,
// converting either failure into a validation error that carries the
// offending message.
func bindJSON(c *gin.Context, dest interface{}) error {
	if err := c.ShouldBindJSON(dest); err != nil {
		return apperrors.ValidationError("invalid request body").AddDetail("error", err.Error())
	}
	if err := validate.Struct(dest); err != nil {
		return apperrors.ValidationError("request validation failed").AddDetail("error", err.Error())
	}
	return nil
}
