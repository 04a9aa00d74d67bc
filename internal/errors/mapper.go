package errors

import (
	"context"
	"errors"
	"fmt"
)

// IsRetryable reports whether the caller may reasonably retry the operation.
// Only timeouts and transient failures qualify; an RPC error payload or an
// upstream HTTP error is deliberate and must be surfaced instead.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrRpcTimeout) ||
		errors.Is(err, ErrTransient)
}

// Category returns the taxonomy name for an error, for audit and telemetry records.
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrProviderNotFound):
		return "ErrProviderNotFound"
	case errors.Is(err, ErrConnectTimeout):
		return "ErrConnectTimeout"
	case errors.Is(err, ErrRpcTimeout):
		return "ErrRpcTimeout"
	case errors.Is(err, ErrRpcFailed):
		return "ErrRpcFailed"
	case errors.Is(err, ErrConnectionClosed):
		return "ErrConnectionClosed"
	case errors.Is(err, ErrUnknownTool):
		return "ErrUnknownTool"
	case errors.Is(err, ErrUpstreamHTTP):
		return "ErrUpstreamHTTP"
	case errors.Is(err, ErrLoopLimit):
		return "ErrLoopLimit"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// ProviderNotFound wraps a message as provider-not-found
func ProviderNotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrProviderNotFound)
}

// UnknownTool wraps a message as unknown-tool
func UnknownTool(message string) error {
	return fmt.Errorf("%s: %w", message, ErrUnknownTool)
}

// InvalidInput wraps a message as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Transient wraps a message as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps a message as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}
