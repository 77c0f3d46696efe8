package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrStoreClosed  = errors.New("store closed")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeStorage    ErrorType = "storage"
	ErrorTypeInternal   ErrorType = "internal"
)

// EngineError is a structured error for alert engine operations
type EngineError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "acknowledge", "find_or_create_open")
	Subject   string // Alert or threshold identifier if applicable
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *EngineError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *EngineError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	}

	return errors.Is(e.Err, target)
}

// New creates a new EngineError
func New(errorType ErrorType, op, subject string, err error) *EngineError {
	return &EngineError{
		Type:      errorType,
		Op:        op,
		Subject:   subject,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: errorType == ErrorTypeStorage,
	}
}

// NotFound wraps an absent-record condition with operation context.
func NotFound(op, subject string) error {
	return New(ErrorTypeNotFound, op, subject, ErrNotFound)
}

// Conflict wraps a duplicate-open-alert condition with operation context.
func Conflict(op, subject string, err error) error {
	if err == nil {
		err = ErrConflict
	}
	return New(ErrorTypeConflict, op, subject, err)
}

// Validation wraps a boundary rejection with operation context.
func Validation(op string, err error) error {
	return New(ErrorTypeValidation, op, "", err)
}

// Storage wraps a store I/O failure with operation context.
func Storage(op, subject string, err error) error {
	return New(ErrorTypeStorage, op, subject, err)
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Retryable
	}
	return false
}

// IsValidation checks if an error is a boundary validation rejection
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNotFound checks if an error signals an absent record
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
