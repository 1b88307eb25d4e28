package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies an error for callers that branch on failure kind.
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "VALIDATION"
	ErrorTypeNotFound        ErrorType = "NOT_FOUND"
	ErrorTypeDeserialization ErrorType = "DESERIALIZATION"
	ErrorTypeDatabase        ErrorType = "DATABASE"
	ErrorTypeExternal        ErrorType = "EXTERNAL"
	ErrorTypeInternal        ErrorType = "INTERNAL"
)

// AppError carries an error type, a message, and an optional cause.
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCause wraps an underlying error.
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

// NewNotFoundError creates a not found error for the named resource.
func NewNotFoundError(resource string) *AppError {
	return &AppError{Type: ErrorTypeNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

// NewDeserializationError creates an error for a malformed payload.
func NewDeserializationError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeDeserialization, Message: message, Cause: err}
}

// NewDatabaseError creates an error for a failed store operation.
func NewDatabaseError(operation string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeDatabase,
		Message: fmt.Sprintf("store operation '%s' failed", operation),
		Cause:   err,
	}
}

// NewExternalError creates an error for a failed external service call.
func NewExternalError(service string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeExternal,
		Message: fmt.Sprintf("external service '%s' error", service),
		Cause:   err,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *AppError {
	return &AppError{Type: ErrorTypeInternal, Message: message}
}

// GetAppError extracts an AppError from an error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsType checks if an error is of a specific type.
func IsType(err error, errType ErrorType) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Type == errType
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsDeserialization checks if an error is a deserialization error.
func IsDeserialization(err error) bool {
	return IsType(err, ErrorTypeDeserialization)
}

// IsDatabase checks if an error is a store error.
func IsDatabase(err error) bool {
	return IsType(err, ErrorTypeDatabase)
}

// Wrap wraps an error with additional context, preserving the AppError
// type when there is one.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return NewInternalError(message).WithCause(err)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}
