// Package shared contains common domain errors and events used across the
// domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	ErrNotFound = errors.New("entity not found")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	ErrInvalidState = errors.New("invalid state")

	// Dependency errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrRateLimited        = errors.New("rate limited")

	// Backpressure
	ErrCapacity = errors.New("capacity exhausted")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progression", "pipeline", "bulkhead"
	Op      string // Operation that failed, e.g., "Create", "Update"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Progression domain errors
var (
	ErrMissingSession     = NewDomainError("progression", "Compute", ErrEmptyValue, "session id is required")
	ErrSessionNotFound    = NewDomainError("progression", "Find", ErrNotFound, "session not found")
	ErrInvalidWeights     = NewDomainError("progression", "Validate", ErrValidation, "weight profile must sum to 1.0")
	ErrInvalidParameters  = NewDomainError("progression", "Validate", ErrValueOutOfRange, "control parameters out of range")
	ErrPathologicalSignal = NewDomainError("progression", "Compute", ErrInvalidInput, "signal is not a number")
)

// Pipeline errors
var (
	ErrQueueFull       = NewDomainError("pipeline", "Submit", ErrCapacity, "priority queue is full")
	ErrInvalidEvent    = NewDomainError("pipeline", "Submit", ErrInvalidInput, "learning event is invalid")
	ErrPipelineStopped = NewDomainError("pipeline", "Submit", ErrInvalidState, "pipeline is not running")
)

// Resilience errors
var (
	ErrCompartmentSaturated = NewDomainError("bulkhead", "Acquire", ErrCapacity, "compartment pool is saturated")
	ErrUnknownService       = NewDomainError("bulkhead", "Lookup", ErrNotFound, "unknown service class")
)

// External service errors
var (
	ErrSignalSourceUnavailable     = NewDomainError("signalsource", "Request", ErrServiceUnavailable, "signal source is unavailable")
	ErrSignalSourceRateLimited     = NewDomainError("signalsource", "Request", ErrRateLimited, "signal source rate limit exceeded")
	ErrSignalSourceInvalidResponse = NewDomainError("signalsource", "Parse", ErrInvalidFormat, "invalid response from signal source")
	ErrCheckpointUnavailable       = NewDomainError("checkpoint", "Store", ErrServiceUnavailable, "checkpoint store is unavailable")
)

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrCapacity)
}

// IsCapacity checks if the error signals exhausted capacity (backpressure).
func IsCapacity(err error) bool {
	return errors.Is(err, ErrCapacity)
}
