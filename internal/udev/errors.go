package udev

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Error is a failed udev operation. It keeps the errno reported by the
// underlying call; classification and text are derived on demand.
type Error struct {
	op    string
	errno unix.Errno
}

// FromErrno builds an Error from a native return code, where failures are
// signalled as -errno. Positive codes are taken as already being an errno.
func FromErrno(code int) *Error {
	if code < 0 {
		code = -code
	}
	return &Error{errno: unix.Errno(code)}
}

func newError(op string, errno unix.Errno) *Error {
	return &Error{op: op, errno: errno}
}

// wrapErr converts a failure from a syscall or from go-udev into *Error.
// Failures that carry no errno are reported as EIO.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var uerr *Error
	if errors.As(err, &uerr) {
		if uerr.op != "" {
			return uerr
		}
		return newError(op, uerr.errno)
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return newError(op, errno)
	}

	return newError(op, unix.EIO)
}

// Errno returns the positive errno value.
func (e *Error) Errno() unix.Errno {
	return e.errno
}

// Kind classifies the error.
func (e *Error) Kind() Kind {
	switch e.errno {
	case unix.ENOMEM:
		return KindOutOfMemory
	case unix.EINVAL:
		return KindInvalidInput
	default:
		return KindIO(ioKindOf(e.errno))
	}
}

// Description returns the OS text for the errno.
func (e *Error) Description() string {
	return e.errno.Error()
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.Description()
	}
	return e.op + ": " + e.Description()
}

func (e *Error) Unwrap() error {
	return e.errno
}

// IOKind maps the classification onto the generic I/O kinds. There is no
// generic kind for allocation failures, so KindOutOfMemory becomes IOOther.
func (e *Error) IOKind() IOKind {
	kind := e.Kind()
	switch kind {
	case KindOutOfMemory:
		return IOOther
	case KindInvalidInput:
		return IOInvalidInput
	}
	io, _ := kind.IO()
	return io
}

// IOError converts e into a generic I/O error, keeping the description as
// the message.
func (e *Error) IOError() *IOError {
	return &IOError{Kind: e.IOKind(), Msg: e.Description()}
}

type kindClass uint8

const (
	classIO kindClass = iota
	classOutOfMemory
	classInvalidInput
)

// Kind is the classification of an Error. Values are comparable:
//
//	err.Kind() == udev.KindIO(udev.IOWouldBlock)
type Kind struct {
	class kindClass
	io    IOKind
}

var (
	// KindOutOfMemory is a native allocation failure. Not retriable.
	KindOutOfMemory = Kind{class: classOutOfMemory}
	// KindInvalidInput is a rejected argument, such as a bad filter string.
	KindInvalidInput = Kind{class: classInvalidInput}
)

// KindIO wraps a generic I/O kind.
func KindIO(kind IOKind) Kind {
	return Kind{class: classIO, io: kind}
}

// IO returns the generic I/O kind when k is an I/O classification.
func (k Kind) IO() (IOKind, bool) {
	if k.class != classIO {
		return 0, false
	}
	return k.io, true
}

func (k Kind) String() string {
	switch k.class {
	case classOutOfMemory:
		return "out of memory"
	case classInvalidInput:
		return "invalid input"
	default:
		return "io(" + k.io.String() + ")"
	}
}

// IOError is the generic I/O form of an Error.
type IOError struct {
	Kind IOKind
	Msg  string
}

func (e *IOError) Error() string {
	return e.Msg
}
