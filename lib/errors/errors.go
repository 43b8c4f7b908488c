// Package errors provides structured error types for the meshd node.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - The discovery and billing error taxonomy
//   - Error codes for categorizing failures in logs and the CLI
//   - Error wrapping with context preservation
package errors

import (
	"errors"
	"fmt"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Error codes for categorizing errors.
const (
	CodeInternal     = 1  // Internal error
	CodeInvalidInput = 2  // Invalid input
	CodeNotFound     = 3  // Resource not found
	CodeConflict     = 4  // Resource conflict
	CodeUnavailable  = 5  // Collaborator unavailable
	CodeState        = 6  // Invalid state
	CodeBind         = 10 // Socket bind/join failed
	CodeDecode       = 11 // Malformed discovery packet
	CodeRouting      = 12 // Routing session failed
	CodeCounters     = 13 // Tunnel counters unavailable
	CodeIdentity     = 14 // Local identity not ready
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a resource already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Discovery errors
var (
	// ErrBind indicates a socket could not be bound or joined to the
	// discovery group. It is fatal to that interface only.
	ErrBind = errors.New("discovery: bind failed")

	// ErrDecode indicates a malformed, foreign or out-of-range ImHere packet.
	ErrDecode = errors.New("discovery: decode failed")

	// ErrWouldBlock indicates a non-blocking socket has no queued data.
	ErrWouldBlock = errors.New("discovery: no data available")
)

// Billing errors. Each of these aborts a whole billing cycle.
var (
	// ErrRoutingSession indicates the routing daemon session could not be
	// opened or used.
	ErrRoutingSession = fmt.Errorf("billing: routing session: %w", ErrUnavailable)

	// ErrCounterRead indicates tunnel byte counters are unavailable.
	ErrCounterRead = fmt.Errorf("billing: counter read: %w", ErrUnavailable)

	// ErrIdentityNotReady indicates the local identity is not resolved yet.
	ErrIdentityNotReady = fmt.Errorf("billing: identity not ready: %w", ErrInvalidState)
)

// Node errors
var (
	// ErrNodeConfigRequired indicates a configuration is required.
	ErrNodeConfigRequired = fmt.Errorf("node: config %w", ErrInvalidInput)

	// ErrNodeInvalidConfig indicates an invalid configuration.
	ErrNodeInvalidConfig = fmt.Errorf("node: %w", ErrConfiguration)

	// ErrNodeInvalidState indicates an invalid node state.
	ErrNodeInvalidState = fmt.Errorf("node: %w", ErrInvalidState)
)

// Error is a structured error with a code and safe message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a short, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap wraps an existing error with a code and message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Code maps an error to its category code.
func Code(err error) int {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Code
	}

	switch {
	case errors.Is(err, ErrBind):
		return CodeBind
	case errors.Is(err, ErrDecode):
		return CodeDecode
	case errors.Is(err, ErrRoutingSession):
		return CodeRouting
	case errors.Is(err, ErrCounterRead):
		return CodeCounters
	case errors.Is(err, ErrIdentityNotReady):
		return CodeIdentity
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return CodeConflict
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConfiguration):
		return CodeInvalidInput
	case errors.Is(err, ErrInvalidState):
		return CodeState
	default:
		return CodeInternal
	}
}

// IsCycleAbort reports whether err aborts a whole billing cycle.
func IsCycleAbort(err error) bool {
	return errors.Is(err, ErrRoutingSession) ||
		errors.Is(err, ErrCounterRead) ||
		errors.Is(err, ErrIdentityNotReady)
}
