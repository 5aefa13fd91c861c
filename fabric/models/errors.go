package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a fabric error. Callers switch on Kind rather
// than on sentinel values so that wrapped causes still unwrap correctly.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnection
	KindSessionLost
	KindNotFound
	KindInvalidArgument
	KindTopology
	KindTranslation
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection_error"
	case KindSessionLost:
		return "session_lost"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindTopology:
		return "topology_error"
	case KindTranslation:
		return "translation_error"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error wraps a fabric failure with its kind, the operation that produced
// it, and an optional underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a fabric Error.
func NewError(op string, kind ErrorKind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// KindOf extracts the ErrorKind from err, returning KindUnknown if err is
// nil or not a *Error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err denotes a missing entity.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err denotes an idempotent no-op duplicate.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
