// Package errors provides centralized error definitions and error handling utilities
// for mobu. It defines domain-specific errors, semantic error types, error
// constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - FlockError: errors related to flock and monkey management
//   - BusinessError: failures raised while a monkey executes its business
//   - IdentityError: failures obtaining credentials for a synthetic user
//
// Semantic errors represent common error conditions:
//   - NotFoundError: flock or monkey not found
//   - ValidationError: invalid configuration supplied at creation time
//
// # Usage
//
//	err := errors.NewNotFoundError(errors.ResourceFlock, "autostart")
//	if errors.IsNotFound(err) { ... }
//
//	var bizErr *errors.BusinessError
//	if errors.As(err, &bizErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
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

// Resource types used with NotFoundError.
const (
	ResourceFlock  = "flock"
	ResourceMonkey = "monkey"
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Flock and monkey sentinel errors
var (
	// ErrFlockNotFound indicates that no flock with the requested name exists.
	ErrFlockNotFound = New("flock not found")
	// ErrMonkeyNotFound indicates that the flock exists but has no such monkey.
	ErrMonkeyNotFound = New("monkey not found")
	// ErrInvalidFlockConfig indicates a malformed flock configuration.
	ErrInvalidFlockConfig = New("invalid flock configuration")
	// ErrUnknownBusiness indicates a business type tag with no registered constructor.
	ErrUnknownBusiness = New("unknown business type")
)

// Scheduler sentinel errors
var (
	// ErrSchedulerFull indicates the scheduler is at capacity and rejected a task.
	ErrSchedulerFull = New("scheduler at capacity")
	// ErrSchedulerClosed indicates the scheduler no longer accepts tasks.
	ErrSchedulerClosed = New("scheduler closed")
)

// General sentinel errors
var (
	// ErrIdentityIssue indicates a credential could not be obtained for a user.
	ErrIdentityIssue = New("identity issuance failed")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// MobuError is the base interface for all mobu errors.
type MobuError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to return
	// from the HTTP API.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
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

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// FlockError represents errors related to flock and monkey management.
//
// Example:
//
//	err := errors.NewFlockError("failed to start monkey", errors.ErrSchedulerFull)
//	err = err.WithFlock("autostart").WithMonkey("bot-mobu-user01")
//	fmt.Println(err) // "flock error [flock=autostart, monkey=bot-mobu-user01]: failed to start monkey: scheduler at capacity"
type FlockError struct {
	baseError
	Flock  string
	Monkey string
}

// NewFlockError creates a new FlockError.
func NewFlockError(message string, cause error) *FlockError {
	return &FlockError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithFlock adds a flock name to the error context.
func (e *FlockError) WithFlock(name string) *FlockError {
	e.Flock = name
	return e
}

// WithMonkey adds a monkey name to the error context.
func (e *FlockError) WithMonkey(name string) *FlockError {
	e.Monkey = name
	return e
}

// Error returns the formatted error message.
func (e *FlockError) Error() string {
	var parts []string
	if e.Flock != "" {
		parts = append(parts, fmt.Sprintf("flock=%s", e.Flock))
	}
	if e.Monkey != "" {
		parts = append(parts, fmt.Sprintf("monkey=%s", e.Monkey))
	}
	return formatWithPrefix("flock error", parts, e.message, e.cause)
}

// BusinessError represents a failure raised by a business while executing.
// It carries the timing event that was in progress so alerts can report
// which step failed and when it began.
type BusinessError struct {
	baseError
	Business    string
	User        string
	Event       string
	StartedAt   time.Time
	Annotations map[string]string
}

// NewBusinessError creates a new BusinessError.
func NewBusinessError(message string, cause error) *BusinessError {
	return &BusinessError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
	}
}

// WithBusiness adds the business type to the error context.
func (e *BusinessError) WithBusiness(name string) *BusinessError {
	e.Business = name
	return e
}

// WithUser adds the username the business was running as.
func (e *BusinessError) WithUser(user string) *BusinessError {
	e.User = user
	return e
}

// WithEvent records the timing event in progress when the failure happened.
func (e *BusinessError) WithEvent(event string, startedAt time.Time, annotations map[string]string) *BusinessError {
	e.Event = event
	e.StartedAt = startedAt
	e.Annotations = annotations
	return e
}

// Error returns the formatted error message.
func (e *BusinessError) Error() string {
	var parts []string
	if e.Business != "" {
		parts = append(parts, fmt.Sprintf("business=%s", e.Business))
	}
	if e.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", e.User))
	}
	if e.Event != "" {
		parts = append(parts, fmt.Sprintf("event=%s", e.Event))
	}
	return formatWithPrefix("business error", parts, e.message, e.cause)
}

// IdentityError represents a failure obtaining a token for a synthetic user.
type IdentityError struct {
	baseError
	User       string
	StatusCode int
}

// NewIdentityError creates a new IdentityError. The cause is always joined
// with ErrIdentityIssue so callers can match on the sentinel.
func NewIdentityError(message string, cause error) *IdentityError {
	return &IdentityError{
		baseError: baseError{
			message:    message,
			cause:      Join(ErrIdentityIssue, cause),
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithUser adds the username to the error context.
func (e *IdentityError) WithUser(user string) *IdentityError {
	e.User = user
	return e
}

// WithStatusCode records the HTTP status returned by the token API.
func (e *IdentityError) WithStatusCode(code int) *IdentityError {
	e.StatusCode = code
	if code >= 400 && code < 500 {
		e.retryable = false
	}
	return e
}

// Error returns the formatted error message.
func (e *IdentityError) Error() string {
	var parts []string
	if e.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", e.User))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	prefix := "identity error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("identity error [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a flock or monkey that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError(errors.ResourceFlock, "autostart")
//	fmt.Println(err) // "flock 'autostart' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is matches other NotFoundErrors and the sentinel for the resource type.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	switch e.ResourceType {
	case ResourceFlock:
		return target == ErrFlockNotFound
	case ResourceMonkey:
		return target == ErrMonkeyNotFound
	}
	return false
}

// ValidationError represents invalid input supplied at configuration time.
//
// Example:
//
//	err := errors.NewValidationError("users list must contain 3 elements")
//	err = err.WithField("users").WithValue(2)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
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
	return formatWithPrefix("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return target == ErrInvalidInput
}

func formatWithPrefix(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsNotFound reports whether err is a lookup failure for a flock or monkey.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return As(err, &notFound)
}

// IsValidation reports whether err is a configuration-time error: invalid
// input or an unknown business type.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	var validation *ValidationError
	return As(err, &validation) || Is(err, ErrInvalidFlockConfig) || Is(err, ErrUnknownBusiness)
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var mobuErr MobuError
	if As(err, &mobuErr) {
		return mobuErr.IsRetryable()
	}
	return false
}

// IsUserFacing returns true if the error message is safe to return to API clients.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var mobuErr MobuError
	if As(err, &mobuErr) {
		return mobuErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement MobuError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var mobuErr MobuError
	if As(err, &mobuErr) {
		return mobuErr.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
