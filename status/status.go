// Package status defines the error taxonomy shared by every public
// runtime operation (spec §7): OK, ERR_INVAL, ERR_AGAIN, ERR_NOTFOUND,
// ERR_OTHER. No exception escapes the runtime; every public operation
// returns one of these, optionally wrapped with context via xerrors.
package status

import "golang.org/x/xerrors"

// Code is one of the five outcomes a public runtime operation can
// report.
type Code int

const (
	OK Code = iota
	ErrInval
	ErrAgain
	ErrNotFound
	ErrOther
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case ErrInval:
		return "ERR_INVAL"
	case ErrAgain:
		return "ERR_AGAIN"
	case ErrNotFound:
		return "ERR_NOTFOUND"
	case ErrOther:
		return "ERR_OTHER"
	default:
		return "ERR_UNKNOWN"
	}
}

// Error adapts a Code into a Go error so callers that want a plain
// `error` can use errors.As/errors.Is against it.
type Error struct {
	Code Code
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.msg
}

// New wraps a Code with a formatted message, in the teacher's
// xerrors.Errorf style.
func New(c Code, format string, args ...interface{}) *Error {
	if format == "" {
		return &Error{Code: c}
	}
	return &Error{Code: c, msg: xerrors.Errorf(format, args...).Error()}
}

// Is reports whether err (or any error it wraps) carries Code c.
func Is(err error, c Code) bool {
	var se *Error
	if xerrors.As(err, &se) {
		return se.Code == c
	}
	return false
}

// Invalid, Again, NotFound, and Other are convenience constructors for
// the four non-OK codes.
func Invalid(format string, args ...interface{}) *Error  { return New(ErrInval, format, args...) }
func Again(format string, args ...interface{}) *Error    { return New(ErrAgain, format, args...) }
func NotFound(format string, args ...interface{}) *Error { return New(ErrNotFound, format, args...) }
func Other(format string, args ...interface{}) *Error    { return New(ErrOther, format, args...) }
