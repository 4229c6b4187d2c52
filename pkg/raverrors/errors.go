// Package raverrors defines the typed error taxonomy used throughout Ravel.
//
// Consensus and session failures are never panics; they propagate as one of
// the error kinds below so callers (the client core, the server context, the
// external state machine) can distinguish retriable conditions from fatal
// ones. See spec section 7 for the full taxonomy.
package raverrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error along the lines spec section 7 draws: transient
// conditions a caller should retry, session failures that end the session,
// validation failures that abort one operation, and storage failures that
// are fatal to the whole server.
type Kind int

const (
	KindTransient Kind = iota
	KindSession
	KindValidation
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSession:
		return "session"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the concrete type behind every sentinel below. It wraps an
// optional cause so %w unwrapping and errors.As still work.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, raverrors.NoLeaderError) match any *Error sharing
// the same Code, ignoring Message/Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newErr(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Transient errors: the caller (typically the client core) should retry,
// possibly against a different server.
var (
	NoLeaderError  = newErr(KindTransient, "no_leader", "no leader is currently known")
	ConnectionLost = newErr(KindTransient, "connection_lost", "connection to peer was lost")
	Timeout        = newErr(KindTransient, "timeout", "operation timed out")
)

// Session errors: fatal to the session; the client must register a new one.
var (
	UnknownSessionError = newErr(KindSession, "unknown_session", "session id is not known to this server")
	SessionExpiredError = newErr(KindSession, "session_expired", "session has expired")
)

// Validation errors: programmer/protocol errors. Abort the offending
// operation, never the server.
var (
	IllegalArgument = newErr(KindValidation, "illegal_argument", "illegal argument")
	IllegalState    = newErr(KindValidation, "illegal_state", "illegal state transition")
)

// Storage errors: classified as fatal by IsFatal. Nothing in
// server.Context acts on that classification: the server does not move to
// an inactive state or close its transport when one occurs.
var (
	LogCorruption = newErr(KindStorage, "log_corruption", "on-disk log segment is corrupt")
	IoError       = newErr(KindStorage, "io_error", "storage I/O failure")
)

// Wrap attaches cause to a copy of sentinel, preserving Kind/Code for
// errors.Is comparisons while keeping the original error in the chain.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: sentinel.Message, Cause: cause}
}

// WrapIfErr wraps err as a storage IoError if non-nil, otherwise returns
// nil. Convenience for bbolt-backed callers where every failure is an I/O
// failure.
func WrapIfErr(err error) error {
	if err == nil {
		return nil
	}
	return Wrap(IoError, err)
}

// Wrapf is Wrap with a formatted message override.
func Wrapf(sentinel *Error, format string, args ...any) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is (or wraps) a transient error.
func IsTransient(err error) bool { return kindOf(err) == KindTransient }

// IsFatal reports whether err is a storage error that should take the
// server context down.
func IsFatal(err error) bool { return kindOf(err) == KindStorage }

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return -1
}
