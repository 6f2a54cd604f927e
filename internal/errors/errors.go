package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// E is the error implementation used throughout this module.
type E struct {
	msg   string
	stk   stack
	cause error
}

// New creates a new error with the given message, recording the call site.
func New(msg string) *E {
	return &E{msg: msg, stk: newStack(1)}
}

// Errorf creates a new error with a formatted message, recording the call
// site.
func Errorf(format string, args ...interface{}) *E {
	return &E{msg: fmt.Sprintf(format, args...), stk: newStack(1)}
}

// Wrap creates a new error with the given message, wrapping cause and
// recording the call site. If cause is nil this behaves like New.
func Wrap(cause error, msg string) *E {
	return &E{msg: msg, stk: newStack(1), cause: cause}
}

// Wrapf is like Wrap but with a formatted message.
func Wrapf(cause error, format string, args ...interface{}) *E {
	return &E{msg: fmt.Sprintf(format, args...), stk: newStack(1), cause: cause}
}

// Error implements the error interface.
func (e *E) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.msg, e.cause.Error())
}

// Unwrap implements the error Unwrap interface.
func (e *E) Unwrap() error {
	return e.cause
}

type unwrapper interface {
	unwrap() (msg string, stk stack, cause error)
}

func (e *E) unwrap() (string, stack, error) {
	return e.msg, e.stk, e.cause
}

func formatChain(err error) string {
	var chain []string
	for err != nil {
		if e, ok := err.(unwrapper); ok {
			msg, stk, cause := e.unwrap()
			chain = append(chain, fmt.Sprintf("%s\n%v", msg, stk))
			err = cause
		} else {
			chain = append(chain, fmt.Sprintf("%+v", err))
			err = nil
		}
	}
	return strings.Join(chain, "\n")
}

// Format implements fmt.Formatter; "%+v" prints the full cause chain with
// stack traces.
func (e *E) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		io.WriteString(s, formatChain(e))
		return
	}
	io.WriteString(s, e.Error())
}

// Is is a wrapper of the standard library's errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is a wrapper of the standard library's errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Unwrap is a wrapper of the standard library's errors.Unwrap.
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is a wrapper of the standard library's errors.Join.
func Join(errs ...error) error { return errors.Join(errs...) }
