package apperror

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Error represents an application error with HTTP status and error code
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
	Details    map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error
func (e *Error) Unwrap() error {
	return e.Internal
}

// ToEchoError converts the app error to an echo.HTTPError for proper handling
func (e *Error) ToEchoError() *echo.HTTPError {
	errBody := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		errBody["details"] = e.Details
	}
	return echo.NewHTTPError(e.HTTPStatus, map[string]any{
		"error": errBody,
	})
}

// WithInternal returns a copy of the error with an internal error attached
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
		Details:    e.Details,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
		Details:    e.Details,
	}
}

// WithDetails returns a copy of the error with details attached
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   e.Internal,
		Details:    details,
	}
}

// New creates a new application error
func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

// Common error definitions
var (
	// Authentication
	ErrUnauthorized = New(http.StatusUnauthorized, "unauthorized", "Authentication required")

	// Tool resolution and execution
	ErrToolNotFound  = New(http.StatusNotFound, "tool_not_found", "Tool not found")
	ErrDuplicateTool = New(http.StatusConflict, "duplicate_tool", "Tool is already registered")
	ErrValidation    = New(http.StatusUnprocessableEntity, "validation_error", "Arguments failed schema validation")
	ErrToolTimeout   = New(http.StatusGatewayTimeout, "tool_timeout", "Tool execution exceeded deadline")
	ErrToolError     = New(http.StatusBadRequest, "tool_error", "Tool execution failed")

	// Namespaces
	ErrNamespaceNotFound    = New(http.StatusNotFound, "namespace_not_found", "Namespace not found")
	ErrNamespaceInvalid     = New(http.StatusBadRequest, "namespace_invalid", "Invalid namespace name")
	ErrCannotReloadExternal = New(http.StatusBadRequest, "cannot_reload_external", "External namespaces cannot be reloaded from disk")

	// External server lifecycle
	ErrPackageNotFound = New(http.StatusNotFound, "package_not_found", "Package not found in registry")
	ErrInstallFailed   = New(http.StatusInternalServerError, "install_failed", "External server installation failed")
	ErrWorkerCrashed   = New(http.StatusBadGateway, "worker_crashed", "External server process exited unexpectedly")
	ErrWorkerTimeout   = New(http.StatusGatewayTimeout, "worker_timeout", "External server did not become ready in time")
	ErrNotConnected    = New(http.StatusBadGateway, "not_connected", "Proxy is not connected")

	// Generic
	ErrNotFound   = New(http.StatusNotFound, "not_found", "Resource not found")
	ErrConflict   = New(http.StatusConflict, "conflict", "Resource already exists")
	ErrBadRequest = New(http.StatusBadRequest, "bad_request", "Invalid request")
	ErrInternal   = New(http.StatusInternalServerError, "internal_error", "An internal error occurred")
	ErrDatabase   = New(http.StatusInternalServerError, "database_error", "Database operation failed")
)

// NewBadRequest creates a bad request error with a custom message
func NewBadRequest(message string) *Error {
	return ErrBadRequest.WithMessage(message)
}

// NewNotFound creates a not found error for a resource type and ID
func NewNotFound(resourceType, id string) *Error {
	return ErrNotFound.WithMessage(fmt.Sprintf("%s '%s' not found", resourceType, id))
}

// NewInternal creates an internal error with a message and optional wrapped error
func NewInternal(message string, err error) *Error {
	return &Error{
		HTTPStatus: http.StatusInternalServerError,
		Code:       "internal_error",
		Message:    message,
		Internal:   err,
	}
}

// NewValidation creates a validation error naming the offending field.
func NewValidation(message string, details map[string]any) *Error {
	return ErrValidation.WithMessage(message).WithDetails(details)
}

// CodeOf returns the taxonomy code of err, or "internal_error" for
// anything that is not an *Error.
func CodeOf(err error) string {
	if appErr, ok := err.(*Error); ok {
		return appErr.Code
	}
	return "internal_error"
}
