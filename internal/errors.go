package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrorType represents the type of cache error
type ErrorType int

const (
	// ErrorTypeConnection indicates the store could not be reached (StoreUnavailable)
	ErrorTypeConnection ErrorType = iota
	// ErrorTypeKeyInvalid indicates an invalid cache key
	ErrorTypeKeyInvalid
	// ErrorTypeNotFound indicates a cache miss or key not found
	ErrorTypeNotFound
	// ErrorTypeSerialization indicates a cached payload that could not be decoded
	ErrorTypeSerialization
	// ErrorTypeTimeout indicates a timeout during a store call (StoreUnavailable)
	ErrorTypeTimeout
	// ErrorTypeCapacity indicates the store is busy or loading
	ErrorTypeCapacity
	// ErrorTypeValidation indicates input validation failure
	ErrorTypeValidation
	// ErrorTypeOperation indicates a command-level failure reported by the store
	ErrorTypeOperation
	// ErrorTypeRetryExhausted indicates all retry attempts failed
	ErrorTypeRetryExhausted
	// ErrorTypeCircuitOpen indicates the circuit breaker short-circuited the call
	ErrorTypeCircuitOpen
)

// String returns the string representation of ErrorType
func (e ErrorType) String() string {
	switch e {
	case ErrorTypeConnection:
		return "CONNECTION"
	case ErrorTypeKeyInvalid:
		return "KEY_INVALID"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeSerialization:
		return "SERIALIZATION"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeCapacity:
		return "CAPACITY"
	case ErrorTypeValidation:
		return "VALIDATION"
	case ErrorTypeOperation:
		return "OPERATION"
	case ErrorTypeRetryExhausted:
		return "RETRY_EXHAUSTED"
	case ErrorTypeCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "UNKNOWN"
	}
}

// IsRetryable reports whether errors of this type are worth another attempt
func (e ErrorType) IsRetryable() bool {
	switch e {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeCapacity:
		return true
	default:
		return false
	}
}

// Severity returns the default severity for the error type
func (e ErrorType) Severity() ErrorSeverity {
	switch e {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeCapacity, ErrorTypeCircuitOpen:
		return SeverityCritical
	case ErrorTypeRetryExhausted, ErrorTypeOperation:
		return SeverityHigh
	case ErrorTypeSerialization, ErrorTypeValidation:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ErrorSeverity ranks how urgently an error needs attention
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of ErrorSeverity
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// RecoveryStrategy describes what a caller is expected to do with an error
type RecoveryStrategy int

const (
	RecoveryStrategyFail RecoveryStrategy = iota
	RecoveryStrategyIgnore
	RecoveryStrategyRetryWithBackoff
	RecoveryStrategyRetryWithDelay
	RecoveryStrategyCircuitBreaker
	RecoveryStrategyWaitAndRetry
	RecoveryStrategyTreatAsMiss
)

// String returns the string representation of RecoveryStrategy
func (r RecoveryStrategy) String() string {
	switch r {
	case RecoveryStrategyFail:
		return "FAIL"
	case RecoveryStrategyIgnore:
		return "IGNORE"
	case RecoveryStrategyRetryWithBackoff:
		return "RETRY_WITH_BACKOFF"
	case RecoveryStrategyRetryWithDelay:
		return "RETRY_WITH_DELAY"
	case RecoveryStrategyCircuitBreaker:
		return "CIRCUIT_BREAKER"
	case RecoveryStrategyWaitAndRetry:
		return "WAIT_AND_RETRY"
	case RecoveryStrategyTreatAsMiss:
		return "TREAT_AS_MISS"
	default:
		return "UNKNOWN"
	}
}

// ErrorContext carries the operation details an error was raised under
type ErrorContext struct {
	Operation      string         `json:"operation"`
	OperationClass string         `json:"operation_class,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	AttemptNumber  int            `json:"attempt_number"`
	Duration       time.Duration  `json:"duration"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CacheError represents a cache-specific error with context
type CacheError struct {
	Type     ErrorType
	Key      string
	Message  string
	Cause    error
	Severity ErrorSeverity
	Context  *ErrorContext
}

// Error implements the error interface
func (e *CacheError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cache error [%s:%s]", e.Severity.String(), e.Type.String())
	if e.Key != "" {
		fmt.Fprintf(&b, " key='%s'", e.Key)
	}
	if e.Context != nil {
		if e.Context.Operation != "" {
			fmt.Fprintf(&b, " op='%s'", e.Context.Operation)
		}
		if e.Context.AttemptNumber > 0 {
			fmt.Fprintf(&b, " attempt=%d", e.Context.AttemptNumber)
		}
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause error
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error type
func (e *CacheError) Is(target error) bool {
	if t, ok := target.(*CacheError); ok {
		return e.Type == t.Type
	}
	return false
}

// IsRetryable reports whether the operation that produced this error may be retried
func (e *CacheError) IsRetryable() bool {
	return e.Type.IsRetryable()
}

// GetRecoveryStrategy returns the recovery strategy for the error
func (e *CacheError) GetRecoveryStrategy() RecoveryStrategy {
	switch e.Type {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return RecoveryStrategyRetryWithBackoff
	case ErrorTypeCapacity:
		return RecoveryStrategyRetryWithDelay
	case ErrorTypeRetryExhausted:
		return RecoveryStrategyCircuitBreaker
	case ErrorTypeCircuitOpen:
		return RecoveryStrategyWaitAndRetry
	case ErrorTypeNotFound:
		return RecoveryStrategyIgnore
	case ErrorTypeSerialization:
		return RecoveryStrategyTreatAsMiss
	default:
		return RecoveryStrategyFail
	}
}

// WithContext attaches operation details to the error
func (e *CacheError) WithContext(operation string, attempt int, duration time.Duration) *CacheError {
	if e.Context == nil {
		e.Context = &ErrorContext{}
	}
	e.Context.Operation = operation
	e.Context.AttemptNumber = attempt
	e.Context.Duration = duration
	return e
}

// WithMetadata attaches a metadata entry to the error context
func (e *CacheError) WithMetadata(key string, value any) *CacheError {
	if e.Context == nil {
		e.Context = &ErrorContext{}
	}
	if e.Context.Metadata == nil {
		e.Context.Metadata = make(map[string]any)
	}
	e.Context.Metadata[key] = value
	return e
}

// NewCacheError creates a new CacheError
func NewCacheError(errType ErrorType, key, message string, cause error) *CacheError {
	return &CacheError{
		Type:     errType,
		Key:      key,
		Message:  message,
		Cause:    cause,
		Severity: errType.Severity(),
	}
}

// NewCacheErrorWithContext creates a new CacheError with operation context
func NewCacheErrorWithContext(errType ErrorType, key, message string, cause error, errCtx *ErrorContext) *CacheError {
	err := NewCacheError(errType, key, message, cause)
	err.Context = errCtx
	return err
}

// NewConnectionError creates a connection-specific cache error
func NewConnectionError(message string, cause error) *CacheError {
	return NewCacheError(ErrorTypeConnection, "", message, cause)
}

// NewKeyInvalidError creates a key validation error
func NewKeyInvalidError(key, message string) *CacheError {
	return NewCacheError(ErrorTypeKeyInvalid, key, message, nil)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(key string) *CacheError {
	return NewCacheError(ErrorTypeNotFound, key, "key not found in cache", nil)
}

// NewSerializationError creates a serialization error
func NewSerializationError(key, message string, cause error) *CacheError {
	return NewCacheError(ErrorTypeSerialization, key, message, cause)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(key, message string, cause error) *CacheError {
	return NewCacheError(ErrorTypeTimeout, key, message, cause)
}

// NewValidationError creates a validation error
func NewValidationError(message string, cause error) *CacheError {
	return NewCacheError(ErrorTypeValidation, "", message, cause)
}

// NewOperationError creates a command-level store error
func NewOperationError(key, message string, cause error) *CacheError {
	return NewCacheError(ErrorTypeOperation, key, message, cause)
}

// NewRetryExhaustedError creates an error reporting that every attempt failed
func NewRetryExhaustedError(operation string, attempts int, lastErr error) *CacheError {
	err := NewCacheError(ErrorTypeRetryExhausted, "",
		fmt.Sprintf("operation '%s' failed after %d attempts", operation, attempts), lastErr)
	err.Context = &ErrorContext{Operation: operation, AttemptNumber: attempts}
	return err
}

// NewCircuitOpenError creates an error reporting a short-circuited call
func NewCircuitOpenError(operation string) *CacheError {
	err := NewCacheError(ErrorTypeCircuitOpen, "",
		fmt.Sprintf("circuit breaker is open, operation '%s' rejected", operation), nil)
	err.Context = &ErrorContext{Operation: operation}
	return err
}

// hasType walks every CacheError in the chain, so a RetryExhausted error
// still reports the type of its last cause.
func hasType(err error, errType ErrorType) bool {
	for err != nil {
		var cacheErr *CacheError
		if !errors.As(err, &cacheErr) {
			return false
		}
		if cacheErr.Type == errType {
			return true
		}
		err = cacheErr.Cause
	}
	return false
}

// IsConnectionError checks if the error is a connection error
func IsConnectionError(err error) bool {
	return hasType(err, ErrorTypeConnection)
}

// IsTimeoutError checks if the error is a timeout error
func IsTimeoutError(err error) bool {
	return hasType(err, ErrorTypeTimeout)
}

// IsStoreUnavailableError checks if the store could not be reached at all
func IsStoreUnavailableError(err error) bool {
	return IsConnectionError(err) || IsTimeoutError(err)
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsSerializationError checks if the error is a payload decoding error
func IsSerializationError(err error) bool {
	return hasType(err, ErrorTypeSerialization)
}

// IsRetryExhaustedError checks if the error reports exhausted retries
func IsRetryExhaustedError(err error) bool {
	return hasType(err, ErrorTypeRetryExhausted)
}

// IsCircuitOpenError checks if the error reports an open circuit
func IsCircuitOpenError(err error) bool {
	return hasType(err, ErrorTypeCircuitOpen)
}

// IsRetryableError reports whether err is a CacheError of a retryable type
func IsRetryableError(err error) bool {
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.IsRetryable()
	}
	return false
}

// GetErrorSeverity returns the severity of err, or SeverityLow for foreign errors
func GetErrorSeverity(err error) ErrorSeverity {
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.Severity
	}
	return SeverityLow
}

// GetRecoveryStrategy returns the recovery strategy of err, or Fail for foreign errors
func GetRecoveryStrategy(err error) RecoveryStrategy {
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.GetRecoveryStrategy()
	}
	return RecoveryStrategyFail
}

// classifyStoreError maps a raw go-redis error to a typed CacheError.
// Already-typed errors pass through untouched.
func classifyStoreError(key, operation string, err error) error {
	if err == nil {
		return nil
	}

	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return err
	}

	if errors.Is(err, redis.Nil) {
		return NewNotFoundError(key)
	}

	msg := fmt.Sprintf("%s failed", operation)

	if isTimeout(err) {
		return NewTimeoutError(key, msg, err)
	}

	if isConnectionFailure(err) {
		e := NewConnectionError(msg, err)
		e.Key = key
		return e
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		reply := redisErr.Error()
		for _, prefix := range []string{"LOADING", "BUSY", "TRYAGAIN", "MASTERDOWN"} {
			if strings.HasPrefix(reply, prefix) {
				return NewCacheError(ErrorTypeCapacity, key, msg, err)
			}
		}
		return NewOperationError(key, msg, err)
	}

	return NewOperationError(key, msg, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "i/o timeout")
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"no route to host",
		"broken pipe",
		"use of closed network connection",
	} {
		if strings.Contains(errorStr, fragment) {
			return true
		}
	}
	return false
}
