package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These carry the error taxonomy the rest of the gateway relies on: the
// fallback chain, the circuit breaker, and the HTTP layer all branch on them.
var (
	// Outbound dependency errors
	ErrTimeout       = errors.New("deadline exceeded")
	ErrUnavailable   = errors.New("dependency unavailable")
	ErrRateLimited   = errors.New("rate limited")
	ErrModelNotFound = errors.New("model not found")
	ErrAuth          = errors.New("authentication failed")
	ErrCircuitOpen   = errors.New("circuit open")

	// Request errors
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// Fallback chain errors
	ErrRetryExhausted = errors.New("retry exhausted")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// GatewayError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type GatewayError struct {
	Op      string // Operation that failed (e.g., "vector.Search")
	Kind    string // Error kind (e.g., "vector", "provider", "conversation")
	Code    string // Stable machine-readable code surfaced to callers
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *GatewayError) Error() string {
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// E creates a new GatewayError wrapping err.
func E(op, kind string, err error) *GatewayError {
	return &GatewayError{Op: op, Kind: kind, Err: err}
}

// ErrorClass is the classified failure category for provider and store
// errors. The fallback orchestrator keys its advance/fail decisions off it.
type ErrorClass string

const (
	ClassTimeout       ErrorClass = "timeout"
	ClassUnavailable   ErrorClass = "unavailable"
	ClassRateLimited   ErrorClass = "rate_limited"
	ClassModelNotFound ErrorClass = "model_not_found"
	ClassAuth          ErrorClass = "auth"
	ClassOther         ErrorClass = "other"
)

// Classify maps an error onto the outbound failure taxonomy.
// Unrecognized errors classify as ClassOther.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassOther
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrCircuitOpen):
		return ClassUnavailable
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrModelNotFound):
		return ClassModelNotFound
	case errors.Is(err, ErrAuth):
		return ClassAuth
	default:
		return ClassOther
	}
}

// IsRetryable reports whether the fallback chain should advance past err to
// the next provider. Auth failures are terminal by design.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTimeout, ClassUnavailable, ClassRateLimited, ClassModelNotFound:
		return true
	default:
		return false
	}
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrModelNotFound)
}

// IsConflict checks if an error represents a state conflict (409).
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation checks if an error is a request validation failure (4xx).
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnavailable checks if an error means a dependency is down or gated.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrCircuitOpen)
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// Code returns the stable machine-readable code for an error, used in
// user-visible failure payloads.
func Code(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) && ge.Code != "" {
		return ge.Code
	}
	switch {
	case IsValidation(err):
		return "validation_error"
	case IsNotFound(err):
		return "not_found"
	case IsConflict(err):
		return "conflict"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRetryExhausted):
		return "retry_exhausted"
	case Classify(err) == ClassTimeout:
		return "timeout"
	case Classify(err) == ClassUnavailable:
		return "unavailable"
	case Classify(err) == ClassRateLimited:
		return "rate_limited"
	case Classify(err) == ClassAuth:
		return "auth_error"
	default:
		return "internal_error"
	}
}
