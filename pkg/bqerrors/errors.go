// Package bqerrors provides structured error handling for bqsink with rich
// context and error categorization. The categories map one-to-one onto the
// delivery outcomes the host buffering layer acts on: a Retryable error means
// the whole batch should be flushed again later, a Fatal error means the batch
// is unrecoverable, and a Config error is raised once at configure time.
package bqerrors

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeConfig represents invalid or missing configuration,
	// raised at configure time and fatal for the output instance.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeRetryable represents a transient remote failure; the host
	// retries the whole batch later.
	ErrorTypeRetryable ErrorType = "retryable"
	// ErrorTypeFatal represents an unrecoverable delivery failure for one batch.
	ErrorTypeFatal ErrorType = "fatal"
	// ErrorTypeFallback represents a failure routed to the secondary destination.
	ErrorTypeFallback ErrorType = "fallback"
	// ErrorTypeSchema represents an empty registry whose refresh failed;
	// formatting cannot proceed without a schema.
	ErrorTypeSchema ErrorType = "schema"
	// ErrorTypeAuth represents credential or session construction failures.
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeData represents record formatting or decoding failures.
	ErrorTypeData ErrorType = "data"
)

// Error is a structured error with a category and optional key-value details.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Chainable.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return New(errType, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a category and message, preserving the
// original error as the cause. Returns nil if err is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
	}
}

// IsRetryable reports whether the error asks the host to retry the batch.
func IsRetryable(err error) bool {
	return IsType(err, ErrorTypeRetryable)
}

// IsType checks if the error is of the given type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}
