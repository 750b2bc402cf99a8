package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidConfiguration indicates that a processor setting is outside its allowed values
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrFragmentsInvalid indicates that a bin does not hold one well-formed fragment set
	ErrFragmentsInvalid = errors.New("fragment set invalid")

	// ErrMergeFailed indicates that merged content could not be written
	ErrMergeFailed = errors.New("merge failed")

	// ErrContentNotFound indicates that a content claim has no stored bytes
	ErrContentNotFound = errors.New("content not found")

	// ErrInvalidMessage indicates that the message is invalid
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")
)

// Error represents a structured SDK error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new SDK error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ErrorType classifies an AppError.
type ErrorType int

const (
	// Internal marks transient failures such as storage or transport I/O.
	Internal ErrorType = iota
	// Configuration marks fatal setup errors. They are raised once and abort startup.
	Configuration
	// ValidationFailed marks per-bin validation failures.
	ValidationFailed
	// BadRequest marks malformed input.
	BadRequest
	// NotFound marks missing resources.
	NotFound
)

// String returns the lower-case name of the error type
func (t ErrorType) String() string {
	switch t {
	case Internal:
		return "internal"
	case Configuration:
		return "configuration"
	case ValidationFailed:
		return "validation_failed"
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

// AppError is an error carrying a category, a machine-readable code and an optional cause.
type AppError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Type, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a fatal configuration error. It always wraps ErrInvalidConfiguration.
func NewConfigurationError(message, code string, err error) *AppError {
	if err == nil {
		err = ErrInvalidConfiguration
	} else {
		err = fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return &AppError{Type: Configuration, Code: code, Message: message, Err: err}
}

// NewValidationError creates a validation error
func NewValidationError(message, code string, err error) *AppError {
	return &AppError{Type: ValidationFailed, Code: code, Message: message, Err: err}
}

// NewInternalError creates an internal error. The id, when set, is prefixed to the message.
func NewInternalError(id, message, code string, err error) *AppError {
	if id != "" {
		message = fmt.Sprintf("%s: %s", id, message)
	}
	return &AppError{Type: Internal, Code: code, Message: message, Err: err}
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(message, code string, err error) *AppError {
	return &AppError{Type: NotFound, Code: code, Message: message, Err: err}
}

// TypeOf returns the category of err, or Internal when err is not an AppError.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return Internal
}

// IsConfiguration checks if an error is a fatal configuration error
func IsConfiguration(err error) bool {
	return err != nil && TypeOf(err) == Configuration
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return err != nil && TypeOf(err) == ValidationFailed
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
