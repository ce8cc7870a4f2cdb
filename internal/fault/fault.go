// Package fault classifies errors crossing the RPC boundary.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the protocol-visible error class.
type Kind string

const (
	Validation    Kind = "validation"
	Platform      Kind = "platform"
	Timeout       Kind = "timeout"
	SafetyFault   Kind = "safety_fault"
	NotFound      Kind = "not_found"
	Conflict      Kind = "conflict"
	Unimplemented Kind = "unimplemented"
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err,
// &fault.Error{Kind: fault.Timeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(op, format string, args ...any) error {
	return newf(Validation, op, format, args...)
}

func NotFoundf(op, format string, args ...any) error {
	return newf(NotFound, op, format, args...)
}

func Conflictf(op, format string, args ...any) error {
	return newf(Conflict, op, format, args...)
}

func Unimplementedf(op, format string, args ...any) error {
	return newf(Unimplemented, op, format, args...)
}

// Wrap tags err with kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Platformf(op string, err error, format string, args ...any) error {
	return &Error{Kind: Platform, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Timeoutf(op, format string, args ...any) error {
	return newf(Timeout, op, format, args...)
}

func Safetyf(op, format string, args ...any) error {
	return newf(SafetyFault, op, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain. Untagged
// errors count as Platform.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Platform
}

// IsKind reports whether err's chain carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
