// Package errors defines the run-level error taxonomy and retry helpers.
//
// Only ConfigurationError and a retry-exhausted ValidationError terminate a
// run. Everything else is absorbed into run state and inspected at the next
// routing decision.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ConfigurationError reports an unrecoverable plan configuration problem,
// such as a dependency cycle. It is surfaced immediately and never retried.
type ConfigurationError struct {
	Err     error
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a single work item's executor failure. It is
// recorded per item and never aborts the batch it ran in.
type ExecutionError struct {
	Path string
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("execute %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("execution error: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ValidationError reports a failed post-implementation check. Recoverable up
// to the configured debug-attempt ceiling, then terminal.
type ValidationError struct {
	Summary  string
	Stderr   string
	Attempts int
}

func (e *ValidationError) Error() string {
	if e.Summary != "" {
		return fmt.Sprintf("validation failed: %s", e.Summary)
	}
	return "validation failed"
}

// InfrastructureError reports an unreachable backing service. Recovered by
// degrading to volatile storage with a warning, never fatal to the run.
type InfrastructureError struct {
	Component string
	Err       error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Component, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// NewConfigurationError wraps err as a fatal configuration error.
func NewConfigurationError(err error, message string) *ConfigurationError {
	return &ConfigurationError{Err: err, Message: message}
}

// NewInfrastructureError marks a component as unreachable.
func NewInfrastructureError(component string, err error) *InfrastructureError {
	return &InfrastructureError{Component: component, Err: err}
}

// IsConfiguration reports whether err carries a ConfigurationError.
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsInfrastructure reports whether err carries an InfrastructureError.
func IsInfrastructure(err error) bool {
	var infraErr *InfrastructureError
	return errors.As(err, &infraErr)
}

// IsTransient reports whether an error is worth retrying. Configuration
// errors are always permanent; network and syscall-level connectivity
// failures are transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsConfiguration(err) {
		return false
	}

	var infraErr *InfrastructureError
	if errors.As(err, &infraErr) {
		return true
	}

	if isNetworkError(err) {
		return true
	}
	return isSyscallError(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"no such host",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
