// Package errors provides structured error handling for bulkprobe
// operations. It defines error codes, typed errors for the scan, bus,
// store and config layers, and utilities for classifying errors as
// retryable or fatal.
package errors

import (
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeInterrupted   ErrorCode = "INTERRUPTED"

	// Target and scanning errors.
	CodeTargetInvalid    ErrorCode = "TARGET_INVALID"
	CodeTargetDenylisted ErrorCode = "TARGET_DENYLISTED"
	CodeResolution       ErrorCode = "RESOLUTION_FAILED"
	CodeScanFailed       ErrorCode = "SCAN_FAILED"
	CodeScannerKind      ErrorCode = "SCANNER_KIND_UNKNOWN"

	// Bus errors.
	CodeBusConnection ErrorCode = "BUS_CONNECTION"
	CodeBusPublish    ErrorCode = "BUS_PUBLISH"
	CodeBusConsume    ErrorCode = "BUS_CONSUME"
	CodeSerialization ErrorCode = "SERIALIZATION"

	// Store errors.
	CodeStoreConnection ErrorCode = "STORE_CONNECTION"
	CodeStoreQuery      ErrorCode = "STORE_QUERY"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeConflict        ErrorCode = "CONFLICT"
)

// ScanError represents an error that occurred while executing or
// classifying a scan job.
type ScanError struct {
	Code    ErrorCode
	Message string
	Target  string
	Cause   error
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{Code: code, Message: message}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Cause: err}
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target, Cause: err}
}

// BusError represents message bus errors.
type BusError struct {
	Code    ErrorCode
	Message string
	Queue   string
	Cause   error
}

// Error implements the error interface.
func (e *BusError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("[%s] %s (queue: %s)", e.Code, e.Message, e.Queue)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *BusError) Unwrap() error {
	return e.Cause
}

// WithQueue attaches the queue name the operation was addressing.
func (e *BusError) WithQueue(queue string) *BusError {
	e.Queue = queue
	return e
}

// NewBusError creates a new bus error.
func NewBusError(code ErrorCode, message string) *BusError {
	return &BusError{Code: code, Message: message}
}

// WrapBusError wraps an existing error as a bus error.
func WrapBusError(code ErrorCode, message string, err error) *BusError {
	return &BusError{Code: code, Message: message, Cause: err}
}

// StoreError represents persistence layer errors.
type StoreError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// NewStoreError creates a new store error.
func NewStoreError(code ErrorCode, message string) *StoreError {
	return &StoreError{Code: code, Message: message}
}

// WrapStoreError wraps an existing error as a store error.
func WrapStoreError(code ErrorCode, message string, err error) *StoreError {
	return &StoreError{Code: code, Message: message, Cause: err}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{Code: code, Message: message}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{Code: code, Message: message, Field: field, Value: value}
}

// Utility functions for common error operations

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *ScanError:
		return e.Code
	case *BusError:
		return e.Code
	case *StoreError:
		return e.Code
	case *ConfigError:
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeBusPublish, CodeStoreQuery:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error should terminate the process. A bus
// connection failure at startup qualifies; everything else is logged and
// contained.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeBusConnection, CodeConfiguration:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeTargetInvalid, "invalid target specification", target, err)
}

// ErrResolution creates an error for DNS resolution failures.
func ErrResolution(target string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeResolution, "hostname did not resolve", target, err)
}

// ErrScanTimeout creates an error for scan timeouts.
func ErrScanTimeout(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTimeout, "scan timed out", target)
}

// ErrUnknownScannerKind creates an error for unregistered scan config kinds.
func ErrUnknownScannerKind(kind string) *ScanError {
	return NewScanError(CodeScannerKind, fmt.Sprintf("no scanner registered for config kind %q", kind))
}

// ErrBusConnection creates a fatal error for bus connection failures.
func ErrBusConnection(err error) *BusError {
	return WrapBusError(CodeBusConnection, "failed to connect to message bus", err)
}

// ErrStoreConnection creates an error for store connection failures.
func ErrStoreConnection(err error) *StoreError {
	return WrapStoreError(CodeStoreConnection, "failed to connect to result store", err)
}
