package apperrors

import (
	"errors"
	"fmt"
)

// RetryableError indicates an error that might be resolved by retrying.
type RetryableError struct {
	Err error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps the given error as a RetryableError, adding a message.
// It uses fmt.Errorf with %w to maintain the error chain.
func NewRetryable(err error, message string, args ...interface{}) error {
	format := message + ": %w"
	allArgs := append(args, err)
	return &RetryableError{Err: fmt.Errorf(format, allArgs...)}
}

// FatalError indicates an error that is unlikely to be resolved by retrying.
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps the given error as a FatalError, adding a message.
// It uses fmt.Errorf with %w to maintain the error chain.
func NewFatal(err error, message string, args ...interface{}) error {
	format := message + ": %w"
	allArgs := append(args, err)
	return &FatalError{Err: fmt.Errorf(format, allArgs...)}
}

// --- Standard Error Definitions ---

// These sentinel errors define the gateway error taxonomy. Provider adapters
// raise them directly; the resilience layer and the API surface check them
// with errors.Is and map them to wire error codes via CodeOf.
var (
	// ErrAuth indicates a bad or expired provider credential. Never retried.
	ErrAuth = errors.New("authentication failed")
	// ErrRateLimited indicates the local bucket was exhausted or the provider
	// reported 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient indicates a network or provider 5xx failure worth retrying.
	ErrTransient = errors.New("transient provider error")
	// ErrInvalidRecipient indicates the recipient does not exist on WhatsApp.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrPayloadTooLarge indicates the media payload exceeds the provider limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrNotFound indicates a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidSignature indicates a webhook signature mismatch.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrCircuitOpen indicates the per-configuration circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrUnknownProvider indicates a configuration names an unregistered provider.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrConfigurationInactive indicates the configuration is deactivated.
	ErrConfigurationInactive = errors.New("configuration inactive")
	// ErrTimeout indicates an operation exceeded the caller's budget.
	ErrTimeout = errors.New("operation timeout")
	// ErrValidation indicates failure during data validation.
	ErrValidation = errors.New("validation failed")
	// ErrDatabase indicates a general database interaction error.
	ErrDatabase = errors.New("database error")
	// ErrDuplicate indicates a conflict due to duplicate data (e.g., unique constraint).
	ErrDuplicate = errors.New("duplicate resource")
	// ErrBadRequest indicates a malformed or invalid request from the caller.
	ErrBadRequest = errors.New("bad request")
)

// codes maps sentinel errors to the error.code strings of the API envelope.
// Order matters: more specific sentinels come before broader ones.
var codes = []struct {
	err  error
	code string
}{
	{ErrAuth, "AuthError"},
	{ErrRateLimited, "RateLimited"},
	{ErrInvalidRecipient, "InvalidRecipient"},
	{ErrPayloadTooLarge, "PayloadTooLarge"},
	{ErrNotFound, "NotFound"},
	{ErrInvalidSignature, "InvalidSignature"},
	{ErrCircuitOpen, "CircuitOpen"},
	{ErrUnknownProvider, "UnknownProvider"},
	{ErrConfigurationInactive, "ConfigurationInactive"},
	{ErrTimeout, "Timeout"},
	{ErrTransient, "Transient"},
	{ErrValidation, "ValidationError"},
	{ErrDuplicate, "Duplicate"},
	{ErrBadRequest, "BadRequest"},
	{ErrDatabase, "InternalError"},
}

// CodeOf returns the wire error code for err. Unrecognized errors map to
// "InternalError".
func CodeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "InternalError"
}

// --- Helper functions for checking ---

// IsRetryable checks if the error is a RetryableError or wraps one, or is one
// of the sentinel errors the retry policy treats as transient. Timeouts and
// provider-reported rate limits count as transient for retry accounting.
func IsRetryable(err error) bool {
	var target *RetryableError
	if errors.As(err, &target) {
		return true
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

// IsFatal checks if the error is a FatalError or wraps one.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

// --- Specific Standard Error Checkers ---

// IsAuthError checks if the error is or wraps ErrAuth.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsRateLimitedError checks if the error is or wraps ErrRateLimited.
func IsRateLimitedError(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsNotFoundError checks if the error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if the error is or wraps ErrValidation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsDatabaseError checks if the error is or wraps ErrDatabase.
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabase)
}

// IsDuplicateError checks if the error is or wraps ErrDuplicate.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsTimeoutError checks if the error is or wraps ErrTimeout.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCircuitOpenError checks if the error is or wraps ErrCircuitOpen.
func IsCircuitOpenError(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
