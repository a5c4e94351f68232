// Package errs implements the daemon's closed error taxonomy.
//
// Every error that can cross the Router boundary is a *Error carrying a
// Kind from the closed set below. The wire representation is always
// "<Kind>: message" (see (*Error).WireMessage), matching the envelope
// described for Service Response.error_message.
package errs

import "fmt"

// Kind is one of the closed set of error kinds the daemon can surface.
type Kind string

const (
	KindValidationError Kind = "ValidationError"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindFileLocked       Kind = "FileLocked"
	KindBusy             Kind = "Busy"
	KindTimedOut         Kind = "TimedOut"
	KindCancelled        Kind = "Cancelled"
	KindExcelDied        Kind = "ExcelDied"
	KindCommandFailed    Kind = "CommandFailed"
	KindInternal         Kind = "Internal"
)

// ForcesClose reports whether an error of this kind should force-close
// the Session it occurred on.
func (k Kind) ForcesClose() bool {
	switch k {
	case KindTimedOut, KindCancelled, KindExcelDied:
		return true
	default:
		return false
	}
}

// Error is the daemon's structured error type.
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Component string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by Kind, the way AppError matched by Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WireMessage renders the "<Kind>: message" form used in
// ServiceResponse.error_message.
func (e *Error) WireMessage() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a bare Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithComponent attaches a component tag (used in logging, not on the wire).
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// Wrap wraps an existing error with a kind and message, preserving Cause.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	if inner, ok := err.(*Error); ok {
		return &Error{Kind: kind, Message: message, Cause: inner, Component: inner.Component}
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Of returns the Kind of err, or KindInternal if err is not an *Error.
func Of(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}

// As reports whether err is an *Error and returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// Convenience constructors for the closed error kinds.

func ValidationError(format string, args ...any) *Error {
	return Newf(KindValidationError, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return Newf(KindConflict, format, args...)
}

func FileLocked(format string, args ...any) *Error {
	return Newf(KindFileLocked, format, args...)
}

func Busy(format string, args ...any) *Error {
	return Newf(KindBusy, format, args...)
}

func TimedOut(format string, args ...any) *Error {
	return Newf(KindTimedOut, format, args...)
}

func Cancelled(format string, args ...any) *Error {
	return Newf(KindCancelled, format, args...)
}

func ExcelDied(format string, args ...any) *Error {
	return Newf(KindExcelDied, format, args...)
}

func CommandFailed(format string, args ...any) *Error {
	return Newf(KindCommandFailed, format, args...)
}

func Internal(format string, args ...any) *Error {
	return Newf(KindInternal, format, args...)
}
