package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable, machine-readable identity of an error. API
// responses and retry predicates key off these, never off message text.
type ErrorCode string

const (
	// Broker session errors
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeMFARequired          ErrorCode = "MFA_REQUIRED"
	ErrCodeVerificationTimeout  ErrorCode = "VERIFICATION_TIMEOUT"
	ErrCodeDecryptionFailed     ErrorCode = "DECRYPTION_FAILED"
	ErrCodeBrokerAPI            ErrorCode = "BROKER_API_ERROR"

	// Sync pipeline errors
	ErrCodeReconciliation ErrorCode = "RECONCILIATION_ERROR"
	ErrCodeSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrCodeSyncFailed     ErrorCode = "SYNC_FAILED"

	// Generic request errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeDuplicate    ErrorCode = "DUPLICATE_ENTRY"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError is the error type carried across service boundaries. Cause
// preserves the underlying error for errors.Is/As chains.
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Cause      error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError with the status mapped from its code.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: httpStatus(code),
	}
}

// NewWithDetails creates an AppError carrying structured details.
func NewWithDetails(code ErrorCode, message string, details map[string]interface{}) *AppError {
	e := New(code, message)
	e.Details = details
	return e
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	e := New(code, message)
	e.Cause = err
	return e
}

// AddDetail attaches one detail entry and returns the error for chaining.
func (e *AppError) AddDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the ErrorCode of err, unwrapping as needed, or
// ErrCodeInternal when err carries no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err (or anything it wraps) carries the code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HasCode reports whether the code appears anywhere in err's cause chain.
// Unlike IsCode it keeps unwrapping past the outermost AppError, so a
// wrapped sync failure still exposes the broker error underneath it.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// StatusOf returns the HTTP status for err, 500 when untyped.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

func httpStatus(code ErrorCode) int {
	switch code {
	case ErrCodeAuthenticationFailed, ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeMFARequired:
		return http.StatusUnprocessableEntity
	case ErrCodeVerificationTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeBrokerAPI:
		return http.StatusBadGateway
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicate, ErrCodeSyncInProgress:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeReconciliation, ErrCodeSyncFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Constructors for the codes used throughout the sync engine.

func AuthenticationFailed(message string) *AppError {
	return New(ErrCodeAuthenticationFailed, message)
}

func MFARequired(mfaType string) *AppError {
	return New(ErrCodeMFARequired, "multi-factor code required").
		AddDetail("mfa_type", mfaType)
}

func VerificationTimeout(message string) *AppError {
	return New(ErrCodeVerificationTimeout, message)
}

func DecryptionFailed(err error) *AppError {
	return Wrap(err, ErrCodeDecryptionFailed, "stored secret could not be decrypted")
}

func BrokerAPI(err error, message string) *AppError {
	return Wrap(err, ErrCodeBrokerAPI, message)
}

func Reconciliation(err error, message string) *AppError {
	return Wrap(err, ErrCodeReconciliation, message)
}

func SyncInProgress(accountID string) *AppError {
	return New(ErrCodeSyncInProgress, "a sync for this account is already running").
		AddDetail("account_id", accountID)
}

func SyncFailed(err error) *AppError {
	return Wrap(err, ErrCodeSyncFailed, "portfolio sync failed")
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Duplicate(message string) *AppError {
	return New(ErrCodeDuplicate, message)
}

func RateLimited(message string) *AppError {
	return New(ErrCodeRateLimited, message)
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}
