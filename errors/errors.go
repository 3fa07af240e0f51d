// Package errors provides standardized error handling for the EMFI station.
// It defines the station's error taxonomy as sentinel errors, an error
// classification scheme used to decide how a failure propagates (reported to
// the requesting session, broadcast to all sessions, or fatal at startup),
// and helpers for consistent error wrapping across packages.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorRejected represents commands refused before any hardware
	// transmission; reported to the requesting session only
	ErrorRejected ErrorClass = iota
	// ErrorLink represents motion-link failures; position trust is lost,
	// so these are reported to every connected session
	ErrorLink
	// ErrorFatal represents unrecoverable errors that should stop startup
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorRejected:
		return "rejected"
	case ErrorLink:
		return "link"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for the station's error taxonomy
var (
	// ErrModeConflict indicates the requested operation is invalid in the
	// orchestrator's current mode
	ErrModeConflict = errors.New("operation not permitted in current mode")
	// ErrSafeZViolation indicates a motion command whose target would breach
	// the configured safe-Z floor
	ErrSafeZViolation = errors.New("motion would breach safe-z limit")
	// ErrUnknownAttack indicates an attack name absent from the registry
	ErrUnknownAttack = errors.New("unknown attack")
	// ErrLinkTimeout indicates the motion controller did not acknowledge a
	// command within the deadline
	ErrLinkTimeout = errors.New("motion link timeout")
	// ErrPluginFault indicates an attack unit failed to start or stop cleanly
	ErrPluginFault = errors.New("attack unit fault")
	// ErrMalformedCommand indicates an unparseable or invalid client payload
	ErrMalformedCommand = errors.New("malformed command")
	// ErrPositionStale indicates a relative motion was requested while the
	// tracked position is untrusted; home first
	ErrPositionStale = errors.New("stage position stale, homing required")

	// Startup and lifecycle errors
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrDuplicateName  = errors.New("duplicate attack name")
	ErrLinkClosed     = errors.New("motion link closed")
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsRejected checks whether an error is a pre-transmission command rejection
func IsRejected(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorRejected
	}

	return errors.Is(err, ErrModeConflict) ||
		errors.Is(err, ErrSafeZViolation) ||
		errors.Is(err, ErrUnknownAttack) ||
		errors.Is(err, ErrMalformedCommand) ||
		errors.Is(err, ErrPositionStale)
}

// IsLink checks whether an error reflects lost trust in the motion link
func IsLink(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorLink
	}

	return errors.Is(err, ErrLinkTimeout) ||
		errors.Is(err, ErrLinkClosed) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsFatal checks whether an error should abort startup
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrDuplicateName)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorRejected
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsLink(err) {
		return ErrorLink
	}
	return ErrorRejected
}

// newClassified creates a new classified error
// This is an internal helper - use WrapRejected(), WrapLink(), or WrapFatal() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapRejected wraps an error as a command rejection with context
func WrapRejected(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorRejected, wrappedErr, component, method, wrappedErr.Error())
}

// WrapLink wraps an error as a motion-link failure with context
func WrapLink(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorLink, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// Is reports whether any error in err's tree matches target.
// Re-exported so callers do not need to import both this package and stdlib errors.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
