package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidSubject indicates that the provided subject is invalid
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidMessage indicates that the message is invalid
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")

	// ErrInvalidInput indicates that with-items input collections have the wrong shape
	ErrInvalidInput = errors.New("invalid with-items input")
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

// ErrorType classifies an AppError. Internal errors are transient and the
// message that caused them is redelivered; every other type is permanent.
type ErrorType int

const (
	Internal ErrorType = iota
	BadRequest
	NotFound
	Conflict
	ValidationFailed
)

// String returns the wire name of the error type
func (t ErrorType) String() string {
	switch t {
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case ValidationFailed:
		return "validation_failed"
	default:
		return "internal"
	}
}

// AppError is an error with a classification used to decide between Ack and Nak.
type AppError struct {
	Type      ErrorType
	Code      string
	Message   string
	Reference string
	Err       error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error should cause a redelivery
func (e *AppError) IsTransient() bool {
	return e.Type == Internal
}

// NewValidationError creates a permanent validation error
func NewValidationError(message, code string, err error) *AppError {
	return &AppError{Type: ValidationFailed, Code: code, Message: message, Err: err}
}

// NewInternalError creates a transient internal error. reference is an optional
// identifier (task or action execution id) that the error relates to.
func NewInternalError(reference, message, code string, err error) *AppError {
	return &AppError{Type: Internal, Code: code, Message: message, Reference: reference, Err: err}
}

// NewNotFoundError creates a permanent not-found error
func NewNotFoundError(message, code string, err error) *AppError {
	return &AppError{Type: NotFound, Code: code, Message: message, Err: err}
}

// IsTransient reports whether err should be retried. Errors that are not an
// AppError are treated as transient.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsTransient()
	}
	return true
}

// InputError signals that with-items input collections are malformed: a value is
// not a sequence or the sequences differ in length. It fails the task before any
// action is dispatched and is never retried.
type InputError struct {
	Input   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("Wrong input format for: %s. %s", e.Input, e.Message)
}

// Is makes errors.Is(err, ErrInvalidInput) match any InputError
func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewInputError creates an InputError for the rendered input mapping
func NewInputError(input, message string) *InputError {
	return &InputError{Input: input, Message: message}
}

// IsInputError checks if an error is a with-items input shape error
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
