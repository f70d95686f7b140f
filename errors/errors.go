package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates that a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates that input validation failed
	ErrInvalidInput = errors.New("invalid input")

	// ErrQuotaExceeded indicates that a per-user ceiling was hit
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrGenerationFailure indicates that a role's model call failed after
	// retries, timed out, or returned an empty payload
	ErrGenerationFailure = errors.New("generation failure")

	// ErrCircuitOpen indicates that a role is short-circuited after sustained
	// upstream failures. It is a generation failure, so callers can match
	// either sentinel
	ErrCircuitOpen = fmt.Errorf("circuit open: %w", ErrGenerationFailure)

	// ErrTurnFailed indicates that every required role for a turn failed
	ErrTurnFailed = errors.New("turn failed")

	// ErrPersistenceConflict indicates an optimistic append was rejected
	// because the expected turn count no longer matches the stored count
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrSessionNotActive indicates a turn was submitted to a closed or
	// expired session
	ErrSessionNotActive = errors.New("session not active")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")
)
