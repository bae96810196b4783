package errors

import (
	"net/http"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Authentication errors (401xx)
	ErrUnauthenticated     ErrorCode = "40101"
	ErrWebhookUnauthorized ErrorCode = "40102"

	// Resource errors (404xx)
	ErrKeyNotFound       ErrorCode = "40401"
	ErrBackupKeyNotFound ErrorCode = "40402"
	ErrBindingNotFound   ErrorCode = "40403"
	ErrProxyNotFound     ErrorCode = "40404"

	// Uniqueness errors (409xx)
	ErrDuplicateID      ErrorCode = "40901"
	ErrDuplicateBinding ErrorCode = "40902"

	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"

	// Rate limit errors (429xx)
	ErrRateLimited ErrorCode = "42901"

	// Rotation errors (422xx)
	ErrNoBackupAvailable ErrorCode = "42201"
	ErrPartialRepair     ErrorCode = "42202"
	ErrBackupKeyExpired  ErrorCode = "42203"

	// Server errors (500xx)
	ErrInternalServer       ErrorCode = "50001"
	ErrWebhookMisconfigured ErrorCode = "50002"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id"`
}

// Common errors
var (
	ErrUnauthenticatedError = &APIError{
		Code:       ErrUnauthenticated,
		Message:    "Missing or invalid admin token",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrWebhookUnauthorizedError = &APIError{
		Code:       ErrWebhookUnauthorized,
		Message:    "Missing or invalid webhook secret",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrKeyNotFoundError = &APIError{
		Code:       ErrKeyNotFound,
		Message:    "Key not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrBackupKeyNotFoundError = &APIError{
		Code:       ErrBackupKeyNotFound,
		Message:    "Backup key not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrBindingNotFoundError = &APIError{
		Code:       ErrBindingNotFound,
		Message:    "Binding not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrProxyNotFoundError = &APIError{
		Code:       ErrProxyNotFound,
		Message:    "Proxy not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrDuplicateIDError = &APIError{
		Code:       ErrDuplicateID,
		Message:    "A key with this id already exists",
		HTTPStatus: http.StatusConflict,
	}

	ErrDuplicateBindingError = &APIError{
		Code:       ErrDuplicateBinding,
		Message:    "This proxy/key binding already exists",
		HTTPStatus: http.StatusConflict,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrNoBackupAvailableError = &APIError{
		Code:       ErrNoBackupAvailable,
		Message:    "No idle backup key available for rotation",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrBackupKeyExpiredError = &APIError{
		Code:       ErrBackupKeyExpired,
		Message:    "Backup key retention window has elapsed; it cannot be restored",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrWebhookMisconfiguredError = &APIError{
		Code:       ErrWebhookMisconfigured,
		Message:    "Webhook shared secret is not configured",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}
