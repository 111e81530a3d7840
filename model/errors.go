package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Approval workflow error codes.
const (
	ErrTransientStore = "TRANSIENT_STORE_ERROR"
	ErrNotification   = "NOTIFICATION_ERROR"
)

// ErrorEnvelope is the standard error value returned by the service.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// Retryable reports whether the caller may safely retry the operation.
func (e *ErrorEnvelope) Retryable() bool {
	return e.Code == ErrTransientStore
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope returns the ErrorEnvelope in err's chain, if any.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidPayloadError returns a VALIDATION_ERROR for a payload whose
// shape is rejected before any store access.
func NewInvalidPayloadError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg}
}

// NewTransientStoreError returns a retryable TRANSIENT_STORE_ERROR wrapping
// the underlying store failure.
func NewTransientStoreError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTransientStore, Message: msg, cause: cause}
}

// NewNotificationError returns a NOTIFICATION_ERROR. These are logged by the
// workflow engine and never reach API callers.
func NewNotificationError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotification, Message: msg, cause: cause}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
