// Package errors provides centralized error definitions and error handling utilities
// for the docmesh codebase. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - BusError: errors talking to the external pub/sub bus (connect, publish, consume)
//   - CodecError: malformed wire data (envelopes, control messages, sync frames)
//
// Semantic errors represent common error conditions:
//   - ValidationError: invalid input or configuration
//
// # Usage
//
//	err := errors.NewBusError("connect producer", errors.ErrBusUnreachable).
//	    WithBackend("kafka").WithRetryable(true)
//
//	if errors.Is(err, errors.ErrBusUnreachable) { ... }
//
//	var codecErr *errors.CodecError
//	if errors.As(err, &codecErr) { ... }
//
// # Error Classification
//
// The replication layer never lets an error crash the hosting process. The
// classification helpers decide what happens instead:
//   - Retryable: transient bus failures; the next triggering event retries naturally
//   - Severity: Debug, Info, Warning, Error, Critical (drives the log level)
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Bus-related sentinel errors
var (
	// ErrBusUnreachable indicates the bus backend could not be reached.
	ErrBusUnreachable = New("bus unreachable")
	// ErrNotConnected indicates a binding was used before it was connected.
	ErrNotConnected = New("bus binding not connected")
	// ErrClosed indicates the binding or component has been shut down.
	ErrClosed = New("closed")
	// ErrUnknownBackend indicates an unsupported bus backend name.
	ErrUnknownBackend = New("unknown bus backend")
)

// Codec-related sentinel errors
var (
	// ErrShortFrame indicates a frame shorter than its declared lengths.
	ErrShortFrame = New("frame too short")
	// ErrIdentityTooLong indicates an instance identity longer than 255 bytes.
	ErrIdentityTooLong = New("identity longer than 255 bytes")
	// ErrMalformedControl indicates an undecodable lock-control message.
	ErrMalformedControl = New("malformed control message")
	// ErrMalformedMessage indicates an undecodable document-sync message.
	ErrMalformedMessage = New("malformed sync message")
)

// Routing-related sentinel errors
var (
	// ErrUnknownTopic indicates a topic outside the configured prefix.
	ErrUnknownTopic = New("topic outside prefix")
	// ErrDocumentNotLoaded indicates the document is not hosted on this instance.
	ErrDocumentNotLoaded = New("document not loaded")
)

// Storage-related sentinel errors
var (
	// ErrStorageBusy indicates the database was locked by another writer.
	ErrStorageBusy = New("storage busy")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// formatPrefixed renders "<kind> [k=v, ...]: message: cause".
func formatPrefixed(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// BusError represents a failure talking to the external bus.
//
// Example:
//
//	err := errors.NewBusError("publish", cause).WithBackend("redis").WithTopic("hocuspocus.doc1")
//	fmt.Println(err) // "bus error [backend=redis, topic=hocuspocus.doc1]: publish: ..."
type BusError struct {
	baseError
	Backend string
	Topic   string
}

// NewBusError creates a new BusError. Bus errors are retryable by default:
// the protocol is level-triggered and the next event supersedes a failure.
func NewBusError(message string, cause error) *BusError {
	return &BusError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
	}
}

// WithBackend adds the backend name to the error context.
func (e *BusError) WithBackend(backend string) *BusError {
	e.Backend = backend
	return e
}

// WithTopic adds the topic to the error context.
func (e *BusError) WithTopic(topic string) *BusError {
	e.Topic = topic
	return e
}

// WithSeverity sets the error severity.
func (e *BusError) WithSeverity(s Severity) *BusError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *BusError) WithRetryable(r bool) *BusError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *BusError) Error() string {
	var parts []string
	if e.Backend != "" {
		parts = append(parts, fmt.Sprintf("backend=%s", e.Backend))
	}
	if e.Topic != "" {
		parts = append(parts, fmt.Sprintf("topic=%s", e.Topic))
	}
	return formatPrefixed("bus error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *BusError) Is(target error) bool {
	if _, ok := target.(*BusError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CodecError represents malformed wire data. Codec errors are never retryable;
// the offending message is dropped.
type CodecError struct {
	baseError
	Codec string // "envelope", "control", "sync"
	Len   int    // length of the offending buffer, -1 if unknown
}

// NewCodecError creates a new CodecError.
func NewCodecError(codec, message string, cause error) *CodecError {
	return &CodecError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityWarning,
		},
		Codec: codec,
		Len:   -1,
	}
}

// WithLen records the length of the buffer that failed to decode.
func (e *CodecError) WithLen(n int) *CodecError {
	e.Len = n
	return e
}

// Error returns the formatted error message.
func (e *CodecError) Error() string {
	var parts []string
	if e.Codec != "" {
		parts = append(parts, fmt.Sprintf("codec=%s", e.Codec))
	}
	if e.Len >= 0 {
		parts = append(parts, fmt.Sprintf("len=%d", e.Len))
	}
	return formatPrefixed("codec error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *CodecError) Is(target error) bool {
	if _, ok := target.(*CodecError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			cause:    ErrInvalidInput,
			severity: SeverityWarning,
		},
	}
}

// WithField adds the field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatPrefixed("validation error", parts, e.message, nil)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

type retryabler interface{ IsRetryable() bool }

type severitier interface{ Severity() Severity }

// IsRetryable reports whether any error in the chain is marked retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryabler
	if As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// GetSeverity returns the severity of the first classified error in the
// chain, or SeverityError for unclassified errors.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var s severitier
	if As(err, &s) {
		return s.Severity()
	}
	return SeverityError
}

// Wrap wraps err with a message. Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps err with a formatted message. Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
