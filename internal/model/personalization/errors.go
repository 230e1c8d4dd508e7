package personalization

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized     = errors.New("widget not initialized")
	ErrAlreadyInitialized = errors.New("widget already initialized")
	ErrMissingAPIKey      = errors.New("api key is required for order confirmation")
	ErrSuperseded         = errors.New("open attempt superseded")
)

// ConfigError reports a missing or invalid configuration field. It is terminal
// for the call that triggered it.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("config: %s is required", e.Field)
	}
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// NetworkError normalizes transport failures, non-2xx responses and malformed
// bodies from the remote session service.
type NetworkError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UntrustedOriginError marks a cross-context message from a sender outside the
// allow-list. It is logged and dropped, never surfaced.
type UntrustedOriginError struct {
	Origin string
}

func (e *UntrustedOriginError) Error() string {
	return fmt.Sprintf("untrusted message origin %q", e.Origin)
}

// StorageError describes a persisted payload that could not be read or written.
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err wraps a NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
