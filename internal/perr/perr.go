// Package perr classifies the errors the controller reacts to.
//
// An error that carries a stable code a caller can switch on with
// errors.As, instead of string-matching err.Error(). Kinds mirror
// spec.md §7 one-to-one.
package perr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies an error for the purposes of the controller's response table (spec.md §7).
type Kind int

const (
	// Transient covers hub timeouts, partial downloads, 5xx, momentary ENOSPC.
	// Response: bounded retry with backoff.
	Transient Kind = iota
	// Integrity covers SHA-256 mismatch and signature verification failure.
	// Response: abort the update, FAILED, do not consume on-disk state.
	Integrity
	// Probation covers a platform exit or hub-unreachable while TRYING/TESTING.
	// Response: ROLLBACK.
	Probation
	// Configuration covers a missing required key or unparseable config file.
	// Response: fatal at init.
	Configuration
	// CommandMisuse covers a rejected control-channel command (e.g. MAKE_FACTORY on a claimed device).
	// Response: reject, return to WAIT.
	CommandMisuse
	// FatalEnvironment covers failure to mount /proc, /sys, /dev.
	// Response: abort early, errno propagated.
	FatalEnvironment
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Integrity:
		return "integrity"
	case Probation:
		return "probation"
	case Configuration:
		return "configuration"
	case CommandMisuse:
		return "command-misuse"
	case FatalEnvironment:
		return "fatal-environment"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this kind should be retried
// with backoff rather than failing the update outright (spec.md §4.7).
func (k Kind) Retryable() bool {
	return k == Transient
}

// Fatal reports whether an error of this kind should abort the current
// update immediately (spec.md §4.7: "Fatal: signature verification
// failure, checksum mismatch after retry, hub 4xx ... spec not supported").
func (k Kind) Fatal() bool {
	return k == Integrity
}

// Error is a coded error. The zero value is not usable; construct with New or Wrap.
type Error struct {
	Kind    Kind
	Message string
	cause   error
	frame   xerrors.Frame
}

// New builds a coded error with a frame captured at the call site, using
// the xerrors.Frame pattern for later stack printing.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		frame:   xerrors.Caller(1),
	}
}

// Wrap attaches a kind to an existing error without losing it for errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
		frame:   xerrors.Caller(1),
	}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// FormatError implements xerrors.Formatter so %+v on an *Error prints a trace.
func (e *Error) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.Kind, e.Message)
	e.frame.Format(p)
	return e.cause
}

func (e *Error) Format(f fmt.State, c rune) { xerrors.FormatError(e, f, c) }

// Is lets errors.Is(err, perr.Integrity) work by comparing kinds when the
// target is a bare Kind wrapped as an error via KindError.
func (e *Error) Is(target error) bool {
	if ke, ok := target.(kindError); ok {
		return e.Kind == Kind(ke)
	}
	return false
}

type kindError Kind

func (k kindError) Error() string { return Kind(k).String() }

// KindError turns a Kind into a sentinel error usable with errors.Is(err, perr.KindError(perr.Integrity)).
func KindError(k Kind) error { return kindError(k) }

// As extracts the Kind of err if it is (or wraps) a *Error.
func As(err error) (Kind, bool) {
	var pe *Error
	if xerrors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}
