package domain

import "errors"

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrConnectionNotFound indicates the connection does not exist
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionExpired indicates the connection's tokens have expired
	ErrConnectionExpired = errors.New("connection expired")

	// ErrConnectionRevoked indicates the user revoked access at the provider
	ErrConnectionRevoked = errors.New("connection revoked")

	// ErrNeedsReauth indicates the connection requires a new authorization flow
	ErrNeedsReauth = errors.New("connection needs reauthorization")

	// ErrKeyGenFailed indicates data key generation failed
	ErrKeyGenFailed = errors.New("data key generation failed")

	// ErrDecryptFailed indicates decryption failed (wrong key or tampered data)
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrInvalidCiphertext indicates the ciphertext is malformed or too short
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrRateLimitExceeded indicates the provider rate limit is exhausted
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrCircuitOpen indicates the circuit breaker is rejecting requests
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrCheckpointPersist indicates a batch checkpoint could not be saved
	ErrCheckpointPersist = errors.New("checkpoint persist failed")

	// ErrBatchCancelled indicates the batch was cooperatively cancelled
	ErrBatchCancelled = errors.New("batch cancelled")
)

// ActionError describes a failed provider action. Recoverable errors
// (network, 5xx, 429) are retried; fatal errors (4xx auth/validation)
// fail the item immediately.
type ActionError struct {
	Code        string
	Message     string
	Recoverable bool
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// NewRecoverableError creates an ActionError that should be retried.
func NewRecoverableError(code, message string) *ActionError {
	return &ActionError{Code: code, Message: message, Recoverable: true}
}

// NewFatalError creates an ActionError that must not be retried.
func NewFatalError(code, message string) *ActionError {
	return &ActionError{Code: code, Message: message, Recoverable: false}
}

// IsRecoverable reports whether err should be retried. Unknown error
// types (network failures, timeouts) are treated as recoverable so a
// transient outage does not permanently fail items.
func IsRecoverable(err error) bool {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Recoverable
	}
	return true
}
