package cache

import "github.com/kengibson1111/go-tenant-cache/internal"

// Error classification helpers for callers outside this module
var (
	IsConnectionError       = internal.IsConnectionError
	IsTimeoutError          = internal.IsTimeoutError
	IsStoreUnavailableError = internal.IsStoreUnavailableError
	IsNotFoundError         = internal.IsNotFoundError
	IsValidationError       = internal.IsValidationError
	IsSerializationError    = internal.IsSerializationError
	IsRetryExhaustedError   = internal.IsRetryExhaustedError
	IsCircuitOpenError      = internal.IsCircuitOpenError
	IsRetryableError        = internal.IsRetryableError
)

// IsInvalidationRefused reports whether a write or invalidation was refused by
// the resilience layer, meaning cached data may now be stale
func IsInvalidationRefused(err error) bool {
	return IsCircuitOpenError(err) || IsRetryExhaustedError(err)
}

// Config re-exports the configuration type
type Config = internal.Config

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return internal.DefaultConfig()
}

// LoadConfig reads a YAML configuration file and applies environment overrides
func LoadConfig(path string) (*Config, error) {
	return internal.LoadConfig(path)
}
