// Package errs defines the closed set of error kinds the control plane
// surfaces to callers, per the propagation policy in spec.md §7.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories the control plane recognizes.
type Kind int

const (
	// Decode means a frame was not valid JSON or not a recognized shape.
	Decode Kind = iota
	// Protocol means a frame was well-formed JSON but an unrecognized
	// command or missing a required field.
	Protocol
	// BackPressure means a channel write would exceed its configured max.
	BackPressure
	// PeerClosed means the remote end of a channel reached EOF.
	PeerClosed
	// SpawnFailed means fork/exec/socketpair failed with an OS error.
	SpawnFailed
	// Timeout means a pending admin request's deadline expired.
	Timeout
	// UpgradeFailed means the master upgrade handoff aborted.
	UpgradeFailed
	// IO is any other OS-level error.
	IO
)

func (k Kind) String() string {
	switch k {
	case Decode:
		return "Decode"
	case Protocol:
		return "Protocol"
	case BackPressure:
		return "BackPressure"
	case PeerClosed:
		return "PeerClosed"
	case SpawnFailed:
		return "SpawnFailed"
	case Timeout:
		return "Timeout"
	case UpgradeFailed:
		return "UpgradeFailed"
	case IO:
		return "IO"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with a message and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
