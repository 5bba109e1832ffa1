// Package liberr defines the error taxonomy shared by the library core.
//
// Errors carry a Kind that callers branch on instead of matching strings.
// Kinds propagate through fmt.Errorf %w wrapping; use KindOf / IsKind to
// classify a wrapped chain.
package liberr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	InvalidInput
	NotFound
	Conflict
	Integrity
	IO
	SearchParse
	LockUnavailable
	Retryable
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid input"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Integrity:
		return "integrity error"
	case IO:
		return "io error"
	case SearchParse:
		return "search parse error"
	case LockUnavailable:
		return "lock unavailable"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Kinder is implemented by any error that can report its Kind.
// Types outside this package (e.g. the search parse error) satisfy it
// without wrapping.
type Kinder interface {
	ErrKind() Kind
}

// Error is the standard structured error record returned by the API.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "library.set_field"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Msg
	if s == "" {
		s = e.Kind.String()
	}
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrKind() Kind { return e.Kind }

// New creates an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and operation. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the Unwrap chain and returns the first Kind found.
func KindOf(err error) Kind {
	for err != nil {
		if k, ok := err.(Kinder); ok {
			return k.ErrKind()
		}
		err = errors.Unwrap(err)
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries kind k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		if kd, ok := err.(Kinder); ok && kd.ErrKind() == k {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
